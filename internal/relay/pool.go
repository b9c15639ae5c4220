// Package relay maintains the pool of relay connections and implements
// the publish protocol on top of it.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kimhsiao/relaynotes/internal/config"
	"github.com/kimhsiao/relaynotes/internal/logging"
)

// Conn is the minimal relay connection capability used by the pool.
// Production connections wrap *nostr.Relay; tests inject fakes.
type Conn interface {
	Publish(ctx context.Context, evt nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error)
	Close() error
}

// Subscription is a stream of stored records terminated by an explicit
// end-of-stored-events marker.
type Subscription interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	Unsub()
}

// Dialer opens a connection to a relay URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// NostrDialer dials a real relay via go-nostr.
func NostrDialer(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: r}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) Publish(ctx context.Context, evt nostr.Event) error {
	return c.relay.Publish(ctx, evt)
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &nostrSubscription{sub: sub}, nil
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}

type nostrSubscription struct {
	sub *nostr.Subscription
}

func (s *nostrSubscription) Events() <-chan *nostr.Event        { return s.sub.Events }
func (s *nostrSubscription) EndOfStoredEvents() <-chan struct{} { return s.sub.EndOfStoredEvents }
func (s *nostrSubscription) Unsub()                             { s.sub.Unsub() }

// relayState tracks per-URL health. Rebuilt on process restart, never
// persisted.
type relayState struct {
	url               string
	connected         bool
	lastUsedAt        time.Time
	reconnectAttempts int
	nextRetryAt       time.Time
	conn              Conn
}

// Pool owns one logical connection per configured relay endpoint. It is
// a process-wide singleton constructed once at startup and injected
// into the sync engine.
type Pool struct {
	mu     sync.Mutex
	states map[string]*relayState
	urls   []string
	dial   Dialer
	cfg    config.PoolConfig

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a Pool using the given dialer. Call Initialize to
// register URLs and start background health checking.
func NewPool(dial Dialer, cfg config.PoolConfig) *Pool {
	return &Pool{
		states: make(map[string]*relayState),
		dial:   dial,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Initialize registers the relay URLs, attempts best-effort initial
// connections and starts the health check loop.
func (p *Pool) Initialize(ctx context.Context, urls []string) {
	p.mu.Lock()
	for _, url := range urls {
		if _, ok := p.states[url]; !ok {
			p.states[url] = &relayState{url: url}
			p.urls = append(p.urls, url)
		}
	}
	p.mu.Unlock()

	// Best-effort initial connects, concurrently.
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := p.Ensure(ctx, u); err != nil {
				logging.Warn("Initial relay connect failed",
					map[string]interface{}{"url": u, "error": err.Error()})
			}
		}(url)
	}
	wg.Wait()

	p.wg.Add(1)
	go p.healthLoop()
}

// Ensure returns a live connection for the URL, dialing if needed. An
// external call always retries a disconnected relay, even past the
// background attempt limit (lazy revival).
func (p *Pool) Ensure(ctx context.Context, url string) (Conn, error) {
	p.mu.Lock()
	st, ok := p.states[url]
	if !ok {
		st = &relayState{url: url}
		p.states[url] = st
		p.urls = append(p.urls, url)
	}
	if st.connected && st.conn != nil {
		st.lastUsedAt = time.Now()
		conn := st.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, url)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		st.connected = false
		return nil, err
	}
	st.conn = conn
	st.connected = true
	st.reconnectAttempts = 0
	st.nextRetryAt = time.Time{}
	st.lastUsedAt = time.Now()
	return conn, nil
}

// MarkDisconnected records a connection failure for the URL so the
// health loop schedules a backoff reconnect.
func (p *Pool) MarkDisconnected(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[url]; ok {
		st.connected = false
		st.conn = nil
	}
}

// ConnectedURLs returns the URLs currently marked connected.
func (p *Pool) ConnectedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var urls []string
	for _, url := range p.urls {
		if p.states[url].connected {
			urls = append(urls, url)
		}
	}
	return urls
}

// URLs returns all configured relay URLs.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

// Shutdown stops the health loop and closes every connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.states {
		if st.conn != nil {
			_ = st.conn.Close()
			st.conn = nil
		}
		st.connected = false
	}
}

// healthLoop periodically reconnects relays marked disconnected, with
// exponential backoff and a bounded attempt count. Past the limit a
// relay stays down until an external call touches it.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reconnectPass()
		}
	}
}

// reconnectPass attempts one reconnect for each eligible disconnected relay.
func (p *Pool) reconnectPass() {
	now := time.Now()

	p.mu.Lock()
	var due []*relayState
	for _, st := range p.states {
		if !st.connected && st.reconnectAttempts < p.cfg.MaxReconnectTries && !st.nextRetryAt.After(now) {
			due = append(due, st)
		}
	}
	p.mu.Unlock()

	for _, st := range due {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.BackoffBase)
		conn, err := p.dial(ctx, st.url)
		cancel()

		p.mu.Lock()
		if err != nil {
			st.reconnectAttempts++
			st.nextRetryAt = time.Now().Add(backoffDelay(p.cfg, st.reconnectAttempts))
			logging.Warn("Relay reconnect failed",
				map[string]interface{}{
					"url":      st.url,
					"attempt":  st.reconnectAttempts,
					"max":      p.cfg.MaxReconnectTries,
					"error":    err.Error(),
					"retry_in": backoffDelay(p.cfg, st.reconnectAttempts).String(),
				})
		} else {
			st.conn = conn
			st.connected = true
			st.reconnectAttempts = 0
			st.nextRetryAt = time.Time{}
			logging.Info("Relay reconnected", map[string]interface{}{"url": st.url})
		}
		p.mu.Unlock()
	}
}

// backoffDelay returns the delay before the given reconnect attempt:
// base doubling per attempt, capped.
func backoffDelay(cfg config.PoolConfig, attempt int) time.Duration {
	delay := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.BackoffCap {
			return cfg.BackoffCap
		}
	}
	if delay > cfg.BackoffCap {
		return cfg.BackoffCap
	}
	return delay
}

// RelayEvent is a record paired with the relay it came from.
type RelayEvent struct {
	URL   string
	Event *nostr.Event
}

// Fetch subscribes on every reachable URL and collects stored records
// until each relay signals end-of-stored-events or the context ends.
// Unreachable relays are skipped; an error is returned only when no
// relay could be reached at all.
func (p *Pool) Fetch(ctx context.Context, filters nostr.Filters, urls []string) ([]RelayEvent, error) {
	if len(urls) == 0 {
		urls = p.URLs()
	}

	var (
		mu      sync.Mutex
		events  []RelayEvent
		reached int
		wg      sync.WaitGroup
	)

	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()

			conn, err := p.Ensure(ctx, u)
			if err != nil {
				logging.Debug("Fetch skipping unreachable relay",
					map[string]interface{}{"url": u, "error": err.Error()})
				return
			}

			sub, err := conn.Subscribe(ctx, filters)
			if err != nil {
				p.MarkDisconnected(u)
				logging.Warn("Subscribe failed",
					map[string]interface{}{"url": u, "error": err.Error()})
				return
			}
			defer sub.Unsub()

			mu.Lock()
			reached++
			mu.Unlock()

			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.EndOfStoredEvents():
					return
				case evt, ok := <-sub.Events():
					if !ok {
						return
					}
					if evt == nil {
						continue
					}
					mu.Lock()
					events = append(events, RelayEvent{URL: u, Event: evt})
					mu.Unlock()
				}
			}
		}(url)
	}

	wg.Wait()

	if reached == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoRelayReachable
	}
	return events, nil
}

// Subscribe opens a streaming subscription on each reachable URL and
// invokes onEvent for every record and onEnd once per relay after its
// stored events are exhausted. It returns immediately; the returned
// handle cancels the streams.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, urls []string,
	onEvent func(url string, evt *nostr.Event), onEnd func(url string)) *SubscribeHandle {

	if len(urls) == 0 {
		urls = p.URLs()
	}

	subCtx, cancel := context.WithCancel(ctx)
	handle := &SubscribeHandle{cancel: cancel}

	for _, url := range urls {
		handle.wg.Add(1)
		go func(u string) {
			defer handle.wg.Done()

			conn, err := p.Ensure(subCtx, u)
			if err != nil {
				onEnd(u)
				return
			}
			sub, err := conn.Subscribe(subCtx, filters)
			if err != nil {
				p.MarkDisconnected(u)
				onEnd(u)
				return
			}
			defer sub.Unsub()

			eose := sub.EndOfStoredEvents()
			ended := false
			for {
				select {
				case <-subCtx.Done():
					if !ended {
						onEnd(u)
					}
					return
				case <-eose:
					if !ended {
						ended = true
						onEnd(u)
					}
					eose = nil // the marker fires once
				case evt, ok := <-sub.Events():
					if !ok {
						if !ended {
							onEnd(u)
						}
						return
					}
					if evt != nil {
						onEvent(u, evt)
					}
				}
			}
		}(url)
	}

	return handle
}

// SubscribeHandle controls a set of live subscriptions.
type SubscribeHandle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Close cancels the subscriptions and waits for their goroutines.
func (h *SubscribeHandle) Close() {
	h.cancel()
	h.wg.Wait()
}

// Wait blocks until every subscription goroutine has finished.
func (h *SubscribeHandle) Wait() {
	h.wg.Wait()
}
