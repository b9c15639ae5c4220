package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kimhsiao/relaynotes/internal/config"
	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
	"github.com/kimhsiao/relaynotes/internal/logging"
)

// ErrNoRelayReachable is returned when every configured relay was
// unreachable for an operation.
var ErrNoRelayReachable = errors.New("no relay reachable")

// Outcome classifies each relay's response to a record submission.
type Outcome struct {
	RecordID    string
	AcceptedBy  []string
	RejectedBy  []string
	Unreachable []string
	// Rejections carries the per-relay rejection reason. Recorded,
	// never thrown.
	Rejections map[string]string
}

// Success reports whether any relay accepted the record (quorum of one).
func (o *Outcome) Success() bool {
	return len(o.AcceptedBy) > 0
}

// Publisher sends signed records to relays and waits for per-relay
// acknowledgements within a bounded timeout.
type Publisher struct {
	pool *Pool
	cfg  config.PublishConfig
}

// NewPublisher creates a Publisher over the pool.
func NewPublisher(pool *Pool, cfg config.PublishConfig) *Publisher {
	return &Publisher{pool: pool, cfg: cfg}
}

// PublishRecord sends the record to every URL and classifies each
// relay's response. A connection failure, close or timeout before the
// acknowledgement counts as unreachable, not as rejection. The returned
// error is non-nil only when no relay accepted the record; partial
// failure is normal operation.
func (p *Publisher) PublishRecord(ctx context.Context, evt *nostr.Event, urls []string) (*Outcome, error) {
	if len(urls) == 0 {
		urls = p.pool.URLs()
	}

	outcome := &Outcome{
		RecordID:   evt.ID,
		Rejections: make(map[string]string),
	}

	if len(urls) == 0 {
		return outcome, apperrors.New(apperrors.ErrRelayUnreachable, "no relays configured")
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()

			ackCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
			defer cancel()

			conn, err := p.pool.Ensure(ackCtx, u)
			if err != nil {
				mu.Lock()
				outcome.Unreachable = append(outcome.Unreachable, u)
				mu.Unlock()
				return
			}

			err = conn.Publish(ackCtx, *evt)

			mu.Lock()
			defer mu.Unlock()
			switch classifyPublishError(err) {
			case publishAccepted:
				outcome.AcceptedBy = append(outcome.AcceptedBy, u)
			case publishRejected:
				outcome.RejectedBy = append(outcome.RejectedBy, u)
				outcome.Rejections[u] = err.Error()
				logging.Warn("Relay rejected record",
					map[string]interface{}{"url": u, "record_id": evt.ID, "reason": err.Error()})
			case publishUnreachable:
				outcome.Unreachable = append(outcome.Unreachable, u)
				// the connection stays pooled for future reuse; only
				// mark it down so the health loop re-checks it
				p.pool.MarkDisconnected(u)
			}
		}(url)
	}

	wg.Wait()

	logging.Debug("Publish outcome",
		map[string]interface{}{
			"record_id":   evt.ID,
			"accepted":    len(outcome.AcceptedBy),
			"rejected":    len(outcome.RejectedBy),
			"unreachable": len(outcome.Unreachable),
		})

	if !outcome.Success() {
		return outcome, apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("record %s accepted by no relay (%d rejected, %d unreachable)",
				evt.ID, len(outcome.RejectedBy), len(outcome.Unreachable)))
	}
	return outcome, nil
}

type publishResult int

const (
	publishAccepted publishResult = iota
	publishRejected
	publishUnreachable
)

// classifyPublishError separates explicit relay rejections from
// transport failures. Only a relay's own NOK message is a rejection;
// timeouts, dropped connections and write failures before the
// acknowledgement are all unreachable.
func classifyPublishError(err error) publishResult {
	if err == nil {
		return publishAccepted
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return publishUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return publishUnreachable
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return publishUnreachable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return publishUnreachable
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return publishUnreachable
	}
	return publishRejected
}

// StaggerDelay exposes the configured inter-dispatch delay for callers
// pacing bulk publishes.
func (p *Publisher) StaggerDelay() time.Duration {
	return p.cfg.StaggerDelay
}

// AckTimeout exposes the configured per-relay acknowledgement timeout.
func (p *Publisher) AckTimeout() time.Duration {
	return p.cfg.AckTimeout
}
