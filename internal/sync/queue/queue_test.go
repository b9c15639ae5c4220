// Package queue provides unit tests for the operation batcher.
package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/relaynotes/internal/models"
)

// batchRecorder captures every batch handed to the processor.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]Operation
}

func (r *batchRecorder) process(_ context.Context, ops []Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ops)
	return nil
}

func (r *batchRecorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *batchRecorder) batch(i int) []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func updateOp(noteID, title string) Operation {
	return Operation{
		Type: OperationUpdate,
		Note: &models.Note{ID: noteID, Title: title},
	}
}

// TestEnqueue_debouncedSingleBatch verifies a burst of edits flushes as
// one batch after the quiet window.
func TestEnqueue_debouncedSingleBatch(t *testing.T) {
	rec := &batchRecorder{}
	q := New(30*time.Millisecond, 100, rec.process)

	q.Enqueue(updateOp("n1", "v1"))
	q.Enqueue(updateOp("n2", "v1"))

	if rec.batchCount() != 0 {
		t.Error("batch processed before the quiet window elapsed")
	}

	time.Sleep(120 * time.Millisecond)

	if got := rec.batchCount(); got != 1 {
		t.Fatalf("batches = %d, want 1", got)
	}
	if got := len(rec.batch(0)); got != 2 {
		t.Errorf("batch size = %d, want 2", got)
	}
	if got := q.GetStatus().Pending; got != 0 {
		t.Errorf("Pending = %d after flush, want 0", got)
	}
}

// TestEnqueue_updateSupersedes verifies repeated edits of one note
// collapse to a single operation carrying the latest payload.
func TestEnqueue_updateSupersedes(t *testing.T) {
	rec := &batchRecorder{}
	q := New(time.Hour, 100, rec.process)

	q.Enqueue(updateOp("n1", "first"))
	q.Enqueue(updateOp("n1", "second"))
	q.Enqueue(updateOp("n1", "third"))

	status := q.GetStatus()
	if status.Pending != 1 {
		t.Fatalf("Pending = %d, want 1 (edits coalesced)", status.Pending)
	}
	if got := status.Ops[0].Note.Title; got != "third" {
		t.Errorf("surviving payload = %q, want the latest edit", got)
	}
}

// TestEnqueue_updateDoesNotSupersedeDelete verifies a delete already in
// the queue is never displaced by a later update.
func TestEnqueue_updateDoesNotSupersedeDelete(t *testing.T) {
	rec := &batchRecorder{}
	q := New(time.Hour, 100, rec.process)

	q.Enqueue(Operation{Type: OperationDelete, NoteID: "n1"})
	q.Enqueue(updateOp("n1", "resurrected"))

	status := q.GetStatus()
	if status.Pending != 2 {
		t.Fatalf("Pending = %d, want 2 (delete preserved)", status.Pending)
	}
	if status.Ops[0].Type != OperationDelete {
		t.Errorf("first op = %q, want the delete kept in place", status.Ops[0].Type)
	}
}

// TestEnqueue_maxSizeFlushesImmediately verifies the size threshold
// bypasses the debounce window.
func TestEnqueue_maxSizeFlushesImmediately(t *testing.T) {
	rec := &batchRecorder{}
	q := New(time.Hour, 3, rec.process)

	q.Enqueue(updateOp("n1", "v"))
	q.Enqueue(updateOp("n2", "v"))
	q.Enqueue(updateOp("n3", "v"))

	// the threshold flush runs on its own goroutine
	deadline := time.Now().Add(2 * time.Second)
	for rec.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := rec.batchCount(); got != 1 {
		t.Fatalf("batches = %d, want 1", got)
	}
	if got := len(rec.batch(0)); got != 3 {
		t.Errorf("batch size = %d, want 3", got)
	}
}

// TestFlush_synchronous verifies Flush processes everything pending
// without waiting for the timer.
func TestFlush_synchronous(t *testing.T) {
	rec := &batchRecorder{}
	q := New(time.Hour, 100, rec.process)

	q.Enqueue(updateOp("n1", "v"))
	q.Flush(context.Background())

	if got := rec.batchCount(); got != 1 {
		t.Fatalf("batches after Flush = %d, want 1", got)
	}
	if got := q.GetStatus().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}

	// Flush with nothing pending does not call the processor
	q.Flush(context.Background())
	if got := rec.batchCount(); got != 1 {
		t.Errorf("empty Flush produced a batch, count = %d", got)
	}
}

// TestClear_dropsWithoutProcessing verifies Clear discards buffered
// operations.
func TestClear_dropsWithoutProcessing(t *testing.T) {
	rec := &batchRecorder{}
	q := New(30*time.Millisecond, 100, rec.process)

	q.Enqueue(updateOp("n1", "v"))
	q.Clear()

	time.Sleep(100 * time.Millisecond)

	if rec.batchCount() != 0 {
		t.Error("cleared operations reached the processor")
	}
	if got := q.GetStatus().Pending; got != 0 {
		t.Errorf("Pending = %d after Clear, want 0", got)
	}
}

// TestEnqueue_assignsIDs verifies operations get ids and timestamps.
func TestEnqueue_assignsIDs(t *testing.T) {
	rec := &batchRecorder{}
	q := New(time.Hour, 100, rec.process)

	q.Enqueue(updateOp("n1", "v"))

	op := q.GetStatus().Ops[0]
	if op.ID == "" {
		t.Error("operation id not assigned")
	}
	if op.EnqueuedAt == 0 {
		t.Error("EnqueuedAt not stamped")
	}
	if op.NoteID != "n1" {
		t.Errorf("NoteID = %q, want filled from the payload", op.NoteID)
	}
}
