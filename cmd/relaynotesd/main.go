// Package main provides the relaynotes sync daemon. It keeps the local
// encrypted note store reconciled with the configured relays and serves
// sync status to local UI clients over WebSocket.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/relaynotes/internal/cache"
	"github.com/kimhsiao/relaynotes/internal/config"
	"github.com/kimhsiao/relaynotes/internal/logging"
	"github.com/kimhsiao/relaynotes/internal/notes"
	"github.com/kimhsiao/relaynotes/internal/records"
	"github.com/kimhsiao/relaynotes/internal/relay"
	"github.com/kimhsiao/relaynotes/internal/signer"
	"github.com/kimhsiao/relaynotes/internal/store"
	syncpkg "github.com/kimhsiao/relaynotes/internal/sync"
	"github.com/kimhsiao/relaynotes/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "relaynotes.yaml", "path to config file")
	listenAddr := flag.String("listen", "localhost:8099", "websocket status listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("Failed to load config", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))
	logging.Info("relaynotes starting", map[string]interface{}{
		"version": Version,
		"relays":  len(cfg.Relays),
	})

	sgn, err := loadSigner()
	if err != nil {
		logging.Error("Failed to load signing key", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DataDir, cfg.Store.DebounceWindow)
	if err != nil {
		logging.Error("Failed to open local store", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := relay.NewPool(relay.NostrDialer, cfg.Pool)
	pool.Initialize(ctx, cfg.Relays)
	defer pool.Shutdown()

	publisher := relay.NewPublisher(pool, cfg.Publish)
	eventCache := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	codec := records.NewCodec(sgn.PublicKey())
	engine := syncpkg.NewEngine(pool, publisher, eventCache, codec, cfg.Publish.Concurrency)

	hub := NewWSHub()
	service := notes.NewService(st, engine, sgn, cfg.Queue, hub)

	sched := scheduler.NewScheduler(service, cfg.Scheduler)
	sched.Start(ctx)
	defer sched.Stop()

	// Initial sync; failures keep local data and retry on the next tick.
	if _, err := service.LoadAndSync(ctx); err != nil {
		logging.Warn("Initial sync failed, continuing with local data",
			map[string]interface{}{"error": err.Error()})
	}

	http.HandleFunc("/ws", HandleWebSocket(hub))
	server := &http.Server{Addr: *listenAddr}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Status server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("Shutting down", nil)
	_ = server.Close()
	if err := service.Close(ctx); err != nil {
		logging.Error("Shutdown flush failed", err)
	}
}

// loadSigner builds the signing authority from the environment: a hex
// private key in RELAYNOTES_KEY, or a freshly generated key when unset.
func loadSigner() (signer.Signer, error) {
	if key := os.Getenv("RELAYNOTES_KEY"); key != "" {
		return signer.NewLocalKeySigner(key)
	}
	logging.Warn("RELAYNOTES_KEY not set, generating an ephemeral key", nil)
	return signer.NewGeneratedSigner()
}
