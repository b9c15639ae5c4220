// Package queue batches locally-originated note mutations so a burst of
// edits reaches the signing authority as a single round-trip.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/relaynotes/internal/debounce"
	"github.com/kimhsiao/relaynotes/internal/logging"
	"github.com/kimhsiao/relaynotes/internal/models"
)

// OperationType represents a queued mutation type.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Operation is one buffered mutation.
type Operation struct {
	ID         string
	Type       OperationType
	Note       *models.Note // create/update payload
	NoteID     string       // target id, always set
	EnqueuedAt int64
}

// BatchProcessor receives a full batch of coalesced operations.
// Failures are logged by the queue but not retried; the next
// user-triggered sync pass picks the affected notes up again.
type BatchProcessor func(ctx context.Context, ops []Operation) error

// Status is a point-in-time view of the queue.
type Status struct {
	Pending int
	Ops     []Operation
}

// OperationQueue accumulates create/update/delete operations and
// flushes them as one batch after a quiet period or when a size
// threshold is reached.
type OperationQueue struct {
	mu        sync.Mutex
	ops       []Operation
	maxSize   int
	debouncer *debounce.Debouncer
	process   BatchProcessor

	// flushMu serializes batch processing so Flush can await a
	// timer-driven flush already underway.
	flushMu sync.Mutex
}

// New creates an OperationQueue. The debounce window resets on every
// enqueue; maxSize triggers an immediate flush.
func New(window time.Duration, maxSize int, process BatchProcessor) *OperationQueue {
	return &OperationQueue{
		maxSize:   maxSize,
		debouncer: debounce.New(window),
		process:   process,
	}
}

// Enqueue buffers an operation. An update for a note id supersedes any
// earlier non-delete operation for that id still in the queue; only the
// latest edit needs to reach the network.
func (q *OperationQueue) Enqueue(op Operation) {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.EnqueuedAt == 0 {
		op.EnqueuedAt = time.Now().Unix()
	}
	if op.NoteID == "" && op.Note != nil {
		op.NoteID = op.Note.ID
	}

	q.mu.Lock()
	if op.Type == OperationUpdate {
		kept := q.ops[:0]
		for _, existing := range q.ops {
			if existing.NoteID == op.NoteID && existing.Type != OperationDelete {
				continue
			}
			kept = append(kept, existing)
		}
		q.ops = kept
	}
	q.ops = append(q.ops, op)
	size := len(q.ops)
	q.mu.Unlock()

	logging.Debug("Operation enqueued",
		map[string]interface{}{"op_id": op.ID, "type": string(op.Type), "note_id": op.NoteID, "pending": size})

	if size >= q.maxSize {
		q.debouncer.Cancel()
		go q.flush(context.Background())
		return
	}

	q.debouncer.Trigger(func() {
		q.flush(context.Background())
	})
}

// Flush synchronously processes everything pending, including a
// debounced flush already scheduled.
func (q *OperationQueue) Flush(ctx context.Context) {
	q.debouncer.Cancel()
	q.flush(ctx)
}

// GetStatus returns the pending count and copies of the buffered ops.
func (q *OperationQueue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := make([]Operation, len(q.ops))
	copy(ops, q.ops)
	return Status{Pending: len(q.ops), Ops: ops}
}

// Clear drops all buffered operations without processing them.
func (q *OperationQueue) Clear() {
	q.debouncer.Cancel()

	q.mu.Lock()
	dropped := len(q.ops)
	q.ops = nil
	q.mu.Unlock()

	if dropped > 0 {
		logging.Warn("Operation queue cleared", map[string]interface{}{"dropped": dropped})
	}
}

// flush drains the buffer and hands it to the batch processor as one
// call. Processing is serialized; concurrent flushes queue behind each
// other and find an empty buffer.
func (q *OperationQueue) flush(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.ops
	q.ops = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	logging.Info("Flushing operation batch", map[string]interface{}{"ops": len(batch)})

	if err := q.process(ctx, batch); err != nil {
		// No automatic retry: unbounded queue growth is worse than a
		// redundant republish on the next sync pass.
		logging.Error("Batch processor failed", err,
			map[string]interface{}{"ops": len(batch)})
	}
}
