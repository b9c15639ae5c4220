// Package notes exposes the user-facing surface of the sync core:
// loading and syncing the collection, saving and deleting notes.
package notes

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/relaynotes/internal/config"
	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
	"github.com/kimhsiao/relaynotes/internal/logging"
	"github.com/kimhsiao/relaynotes/internal/models"
	"github.com/kimhsiao/relaynotes/internal/signer"
	"github.com/kimhsiao/relaynotes/internal/store"
	enginepkg "github.com/kimhsiao/relaynotes/internal/sync"
	"github.com/kimhsiao/relaynotes/internal/sync/queue"
)

// EventSink receives sync lifecycle notifications. The websocket status
// hub implements it; a nil sink disables notifications.
type EventSink interface {
	SyncStarted()
	SyncCompleted(result *enginepkg.SyncResult)
	SyncFailed(err error)
}

// Service orchestrates the store, the merge engine and the operation
// batcher on behalf of user-facing callers.
type Service struct {
	store  *store.Store
	engine enginepkg.SyncEngine
	signer signer.Signer
	queue  *queue.OperationQueue
	sink   EventSink

	mu     stdsync.Mutex
	snap   models.Snapshot
	loaded bool
}

// NewService creates a Service. The operation queue is created here so
// its batch processor can close over the service.
func NewService(st *store.Store, engine enginepkg.SyncEngine, sgn signer.Signer,
	queueCfg config.QueueConfig, sink EventSink) *Service {

	s := &Service{
		store:  st,
		engine: engine,
		signer: sgn,
		sink:   sink,
	}
	s.queue = queue.New(queueCfg.DebounceWindow, queueCfg.MaxSize, s.processBatch)
	return s
}

// LoadAndSync loads the local snapshot, runs a full sync pass and
// persists the merged result. On a fetch failure the local snapshot is
// kept untouched and returned alongside the error. Edits, creations
// and deletions made while the pass runs survive it: the result is
// folded into the live snapshot, never assigned over it.
func (s *Service) LoadAndSync(ctx context.Context) (*enginepkg.SyncResult, error) {
	owner := s.signer.PublicKey()

	s.mu.Lock()
	s.ensureLoaded()
	localNotes := append([]models.Note(nil), s.snap.Notes...)
	localTombstones := append([]models.Tombstone(nil), s.snap.Tombstones...)
	dispatched := make(map[string]int64, len(localNotes))
	for _, n := range localNotes {
		dispatched[n.ID] = n.LastModified
	}
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.SyncStarted()
	}

	result, err := s.engine.Sync(ctx, localNotes, localTombstones, s.signer)
	if err != nil {
		if s.sink != nil {
			s.sink.SyncFailed(err)
		}
		return result, err
	}

	s.mu.Lock()
	s.snap = foldSyncResult(s.snap, result, dispatched)
	snap := s.snap
	s.mu.Unlock()

	s.store.Save(owner, snap)

	if s.sink != nil {
		s.sink.SyncCompleted(result)
	}
	return result, nil
}

// foldSyncResult merges a finished pass into the live snapshot. A note
// the user created or re-touched after the pass captured its input
// keeps the live version; everything else takes the pass's merged
// state. Tombstones union, preferring acknowledged copies, and always
// win over notes.
func foldSyncResult(current models.Snapshot, result *enginepkg.SyncResult,
	dispatched map[string]int64) models.Snapshot {

	tombstones := models.NewTombstoneSet(result.Tombstones)
	for _, ts := range current.Tombstones {
		have, ok := tombstones[ts.NoteID]
		if !ok || (have.NeedsPublish() && !ts.NeedsPublish()) {
			tombstones[ts.NoteID] = ts
		}
	}

	byID := make(map[string]models.Note, len(result.Notes))
	for _, n := range result.Notes {
		byID[n.ID] = n
	}
	for _, n := range current.Notes {
		if mod, sawIt := dispatched[n.ID]; !sawIt || n.LastModified != mod {
			byID[n.ID] = n
		}
	}

	var snap models.Snapshot
	for _, n := range byID {
		if tombstones.Contains(n.ID) {
			continue
		}
		snap.Notes = append(snap.Notes, n)
	}
	sort.Slice(snap.Notes, func(i, j int) bool { return snap.Notes[i].ID < snap.Notes[j].ID })

	for _, ts := range tombstones {
		snap.Tombstones = append(snap.Tombstones, ts)
	}
	sort.Slice(snap.Tombstones, func(i, j int) bool {
		return snap.Tombstones[i].NoteID < snap.Tombstones[j].NoteID
	})
	return snap
}

// ListNotes returns a copy of the active note collection.
func (s *Service) ListNotes() []models.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return append([]models.Note(nil), s.snap.Notes...)
}

// GetNote returns the note with the given id.
func (s *Service) GetNote(id string) (models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	for _, n := range s.snap.Notes {
		if n.ID == id {
			return n, nil
		}
	}
	return models.Note{}, apperrors.New(apperrors.ErrNotFound, "note not found: "+id)
}

// SaveNote applies a create or update locally, schedules a debounced
// persist and queues the mutation for batched publishing. The stored
// note is returned with its id and timestamps filled in.
func (s *Service) SaveNote(note models.Note) models.Note {
	opType := queue.OperationUpdate
	if note.ID == "" {
		note.ID = uuid.New().String()
		note.CreatedAt = time.Now().Unix()
		opType = queue.OperationCreate
	}
	note.Touch()

	s.mu.Lock()
	s.ensureLoaded()
	replaced := false
	for i := range s.snap.Notes {
		if s.snap.Notes[i].ID == note.ID {
			// carry forward remote bookkeeping from the stored copy
			if note.RemoteRecordID == "" {
				note.RemoteRecordID = s.snap.Notes[i].RemoteRecordID
			}
			if note.LastSynced == 0 {
				note.LastSynced = s.snap.Notes[i].LastSynced
			}
			s.snap.Notes[i] = note
			replaced = true
			break
		}
	}
	if !replaced {
		s.snap.Notes = append(s.snap.Notes, note)
		opType = queue.OperationCreate
	}
	snap := s.snap
	s.mu.Unlock()

	s.store.Save(s.signer.PublicKey(), snap)

	saved := note
	s.queue.Enqueue(queue.Operation{
		Type:   opType,
		Note:   &saved,
		NoteID: note.ID,
	})
	return note
}

// DeleteNote converts the note into a durable tombstone, removes it
// from the active set and queues the deletion for publishing.
func (s *Service) DeleteNote(id string) error {
	s.mu.Lock()
	s.ensureLoaded()
	var deleted *models.Note
	kept := s.snap.Notes[:0]
	for i := range s.snap.Notes {
		if s.snap.Notes[i].ID == id {
			n := s.snap.Notes[i]
			deleted = &n
			continue
		}
		kept = append(kept, s.snap.Notes[i])
	}
	if deleted == nil {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, "note not found: "+id)
	}
	s.snap.Notes = kept
	ts := models.Tombstone{
		NoteID:         id,
		DeletedAt:      time.Now().Unix(),
		RemoteRecordID: deleted.RemoteRecordID,
	}
	s.snap.Tombstones = append(s.snap.Tombstones, ts)
	snap := s.snap
	s.mu.Unlock()

	s.store.Save(s.signer.PublicKey(), snap)

	s.queue.Enqueue(queue.Operation{
		Type:   queue.OperationDelete,
		NoteID: id,
	})
	return nil
}

// QueueStatus reports the pending operation buffer.
func (s *Service) QueueStatus() queue.Status {
	return s.queue.GetStatus()
}

// FlushQueue synchronously processes all pending operations.
func (s *Service) FlushQueue(ctx context.Context) {
	s.queue.Flush(ctx)
}

// Close flushes pending operations and writes, synchronously. Critical
// path: must not lose buffered state on shutdown.
func (s *Service) Close(ctx context.Context) error {
	s.queue.Flush(ctx)

	s.mu.Lock()
	snap := s.snap
	loaded := s.loaded
	s.mu.Unlock()

	if loaded {
		return s.store.SaveNow(s.signer.PublicKey(), snap)
	}
	s.store.Flush()
	return nil
}

// ensureLoaded populates the snapshot from the store on first use.
// Caller must hold s.mu.
func (s *Service) ensureLoaded() {
	if s.loaded {
		return
	}
	s.snap = s.store.Load(s.signer.PublicKey())
	s.loaded = true
}

// processBatch publishes a coalesced batch of mutations. Per-note
// outcomes update the snapshot; failures leave the note in error state
// for the next sync pass to retry.
func (s *Service) processBatch(ctx context.Context, ops []queue.Operation) error {
	for _, op := range ops {
		switch op.Type {
		case queue.OperationDelete:
			s.publishDeletion(ctx, op.NoteID)
		case queue.OperationCreate, queue.OperationUpdate:
			s.publishMutation(ctx, op.NoteID)
		}
	}
	return nil
}

// publishMutation publishes the current stored state of a note, not the
// payload captured at enqueue time, so the freshest edit always wins.
// Only sync bookkeeping is written back afterwards, and only if the
// note was not edited again while the publish was in flight; content is
// never rewound to the dispatched copy.
func (s *Service) publishMutation(ctx context.Context, noteID string) {
	s.mu.Lock()
	var current *models.Note
	for i := range s.snap.Notes {
		if s.snap.Notes[i].ID == noteID {
			n := s.snap.Notes[i]
			current = &n
			break
		}
	}
	s.mu.Unlock()

	if current == nil {
		// deleted while queued
		return
	}
	dispatchedMod := current.LastModified

	err := s.engine.PublishNote(ctx, current, s.signer)
	if err != nil {
		logging.ErrorWithCode("Batched publish failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"note_id": noteID})
	}

	s.mu.Lock()
	for i := range s.snap.Notes {
		if s.snap.Notes[i].ID != noteID {
			continue
		}
		if s.snap.Notes[i].LastModified == dispatchedMod {
			s.snap.Notes[i].RemoteRecordID = current.RemoteRecordID
			s.snap.Notes[i].LastSynced = current.LastSynced
			s.snap.Notes[i].SyncStatus = current.SyncStatus
			s.snap.Notes[i].SyncError = current.SyncError
		}
		// otherwise the note was edited mid-publish; it stays locally
		// modified and its own queued op republishes it
		break
	}
	snap := s.snap
	s.mu.Unlock()

	s.store.Save(s.signer.PublicKey(), snap)
}

// publishDeletion publishes the tombstone for a deleted note.
func (s *Service) publishDeletion(ctx context.Context, noteID string) {
	s.mu.Lock()
	var ts *models.Tombstone
	for i := range s.snap.Tombstones {
		if s.snap.Tombstones[i].NoteID == noteID {
			t := s.snap.Tombstones[i]
			ts = &t
			break
		}
	}
	s.mu.Unlock()

	if ts == nil {
		return
	}

	if err := s.engine.PublishTombstone(ctx, ts, s.signer); err != nil {
		// LastSynced stays zero, so the next sync pass republishes the
		// deletion; the tombstone is already durable locally.
		logging.ErrorWithCode("Tombstone publish failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"note_id": noteID})
		return
	}

	s.mu.Lock()
	for i := range s.snap.Tombstones {
		if s.snap.Tombstones[i].NoteID == noteID {
			s.snap.Tombstones[i].LastSynced = ts.LastSynced
			break
		}
	}
	snap := s.snap
	s.mu.Unlock()

	s.store.Save(s.signer.PublicKey(), snap)
}
