// Package sync provides the merge engine reconciling local notes with
// the records observed on the relays.
package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kimhsiao/relaynotes/internal/cache"
	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
	"github.com/kimhsiao/relaynotes/internal/logging"
	"github.com/kimhsiao/relaynotes/internal/models"
	"github.com/kimhsiao/relaynotes/internal/records"
	"github.com/kimhsiao/relaynotes/internal/relay"
	"github.com/kimhsiao/relaynotes/internal/signer"
)

// SyncStatus represents the engine's current state.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Fetcher retrieves stored records from the relays.
type Fetcher interface {
	Fetch(ctx context.Context, filters nostr.Filters, urls []string) ([]relay.RelayEvent, error)
}

// RecordPublisher sends a signed record to the relays and classifies
// each relay's acknowledgement.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, evt *nostr.Event, urls []string) (*relay.Outcome, error)
	StaggerDelay() time.Duration
}

// Engine is the sync orchestrator: it fetches remote state, merges it
// against the local snapshot with a last-writer-wins policy, reconciles
// deletions and republishes anything the relays have not acknowledged.
type Engine struct {
	fetcher   Fetcher
	publisher RecordPublisher
	cache     *cache.EventCache
	codec     *records.Codec

	// bounded publish concurrency and inter-dispatch stagger
	concurrency int

	mu       stdsync.Mutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error

	// inFlight serializes publishes per note id across passes
	inFlight map[string]bool
}

// SyncResult aggregates the outcome of one sync pass.
type SyncResult struct {
	Notes       []models.Note
	Tombstones  []models.Tombstone
	FullySynced bool
	SyncedCount int
	FailedCount int
	Errors      []string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// NewEngine creates an Engine.
func NewEngine(fetcher Fetcher, publisher RecordPublisher, eventCache *cache.EventCache,
	codec *records.Codec, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Engine{
		fetcher:     fetcher,
		publisher:   publisher,
		cache:       eventCache,
		codec:       codec,
		concurrency: concurrency,
		status:      SyncStatusIdle,
		inFlight:    make(map[string]bool),
	}
}

// Status returns the current engine status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the timestamp of the last successful sync.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Sync performs one full pass: fetch, merge, tombstone reconciliation,
// publish. On a fetch-phase failure the input notes and tombstones are
// returned untouched; local data is never replaced by a partial remote
// result.
func (e *Engine) Sync(ctx context.Context, localNotes []models.Note,
	localTombstones []models.Tombstone, sgn signer.Signer) (*SyncResult, error) {

	result := &SyncResult{
		Notes:      localNotes,
		Tombstones: localTombstones,
		StartTime:  time.Now(),
	}

	e.mu.Lock()
	if e.status == SyncStatusSyncing {
		e.mu.Unlock()
		return result, apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")
	}
	e.status = SyncStatusSyncing
	e.lastErr = nil
	e.mu.Unlock()

	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		if e.lastErr != nil {
			e.status = SyncStatusFailed
		} else {
			e.status = SyncStatusIdle
			e.lastSync = &result.EndTime
		}
		e.mu.Unlock()
	}()

	// Step 1: fetch all remote records belonging to the owner.
	remoteRecords, remoteTombstones, err := e.fetchRemote(ctx, sgn.PublicKey())
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		result.Errors = append(result.Errors, err.Error())
		logging.ErrorWithCode("Fetch phase failed, keeping local state",
			string(apperrors.ErrSyncFailed), err, nil)
		return result, err
	}

	// Step 2+3: merge and reconcile deletions.
	merged, tombstones := e.merge(localNotes, localTombstones, remoteRecords, remoteTombstones)

	// Step 4: republish everything the relays have not acknowledged,
	// deletions included.
	e.publishPhase(ctx, merged, sgn, result)
	e.publishTombstones(ctx, tombstones, sgn, result)

	// Step 5: aggregate.
	result.Notes = sortedNotes(merged)
	result.Tombstones = sortedTombstones(tombstones)
	result.FullySynced = result.FailedCount == 0

	logging.Info("Sync pass completed",
		map[string]interface{}{
			"notes":        len(result.Notes),
			"tombstones":   len(result.Tombstones),
			"synced":       result.SyncedCount,
			"failed":       result.FailedCount,
			"fully_synced": result.FullySynced,
		})

	return result, nil
}

// fetchRemote pulls the owner's note and deletion records from the
// relays, consulting the event cache before decoding.
func (e *Engine) fetchRemote(ctx context.Context, author string) ([]*models.RemoteRecord, []models.Tombstone, error) {
	filters := nostr.Filters{
		records.NoteFilter(author),
		records.TombstoneFilter(author),
	}

	events, err := e.fetcher.Fetch(ctx, filters, nil)
	if err != nil {
		return nil, nil, err
	}

	var (
		noteEvents []relay.RelayEvent
		tombstones []models.Tombstone
		seen       = make(map[string]bool)
	)

	for _, re := range events {
		if seen[re.Event.ID] {
			continue
		}
		seen[re.Event.ID] = true

		switch re.Event.Kind {
		case records.KindTombstone:
			ts, err := e.codec.DecodeTombstone(re.Event)
			if err != nil {
				logging.Debug("Skipping foreign deletion record",
					map[string]interface{}{"record_id": re.Event.ID, "error": err.Error()})
				continue
			}
			tombstones = append(tombstones, *ts)
		case records.KindNote:
			noteEvents = append(noteEvents, re)
		}
	}

	// Cache lookup by record id; only misses get decoded and decrypted.
	ids := make([]string, len(noteEvents))
	byID := make(map[string]relay.RelayEvent, len(noteEvents))
	for i, re := range noteEvents {
		ids[i] = re.Event.ID
		byID[re.Event.ID] = re
	}
	lookup := e.cache.GetMany(ids)

	recordsOut := make([]*models.RemoteRecord, 0, len(noteEvents))
	for _, rec := range lookup.Found {
		recordsOut = append(recordsOut, rec)
	}
	for _, id := range lookup.Missed {
		re := byID[id]
		rec, err := e.codec.DecodeNote(re.Event, re.URL)
		if err != nil {
			logging.Debug("Skipping undecodable record",
				map[string]interface{}{"record_id": id, "error": err.Error()})
			continue
		}
		e.cache.Set(id, rec)
		recordsOut = append(recordsOut, rec)
	}

	logging.Debug("Fetch phase completed",
		map[string]interface{}{
			"events":       len(events),
			"cache_hits":   lookup.Hits,
			"cache_misses": lookup.Misses,
			"deletions":    len(tombstones),
		})

	return recordsOut, tombstones, nil
}

// merge builds the post-merge note map and the reconciled tombstone
// set. Remote wins ties and strictly greater timestamps; local wins
// only when strictly newer and is then marked for republish. Tombstoned
// ids never re-enter the note set.
func (e *Engine) merge(localNotes []models.Note, localTombstones []models.Tombstone,
	remote []*models.RemoteRecord, remoteTombstones []models.Tombstone) (map[string]*models.Note, models.TombstoneSet) {

	tombstones := models.NewTombstoneSet(localTombstones)
	for _, ts := range remoteTombstones {
		have, ok := tombstones[ts.NoteID]
		if !ok || have.NeedsPublish() {
			// the remote copy carries the relay acknowledgement
			tombstones[ts.NoteID] = ts
		}
	}

	// Seed with local notes, defaulting a blank status to local.
	merged := make(map[string]*models.Note, len(localNotes))
	for i := range localNotes {
		note := localNotes[i]
		if note.SyncStatus == "" {
			note.SyncStatus = models.SyncStatusLocal
		}
		if tombstones.Contains(note.ID) {
			continue
		}
		merged[note.ID] = &note
	}

	// Collapse multiple remote versions of the same note id to the
	// newest one before comparing with local.
	newestRemote := make(map[string]*models.RemoteRecord, len(remote))
	for _, rec := range remote {
		if cur, ok := newestRemote[rec.Note.ID]; !ok || rec.RemoteTimestamp > cur.RemoteTimestamp {
			newestRemote[rec.Note.ID] = rec
		}
	}

	for id, rec := range newestRemote {
		if tombstones.Contains(id) {
			// deleted here; a stale remote copy must not resurrect it
			continue
		}

		local, exists := merged[id]
		if !exists {
			adopted := rec.Note
			adopted.SyncStatus = models.SyncStatusSynced
			merged[id] = &adopted
			continue
		}

		if local.LastModified > rec.RemoteTimestamp {
			// Local is strictly newer: keep it and republish.
			local.SyncStatus = models.SyncStatusLocal
			if local.RemoteRecordID == "" {
				local.RemoteRecordID = rec.RemoteRecordID
			}
			continue
		}

		// Remote wins ties and greater timestamps: it is closer to the
		// canonical shared log.
		adopted := rec.Note
		adopted.SyncStatus = models.SyncStatusSynced
		merged[id] = &adopted
	}

	return merged, tombstones
}

// publishPhase republishes every note needing acknowledgement with
// bounded concurrency and a stagger delay between dispatches.
func (e *Engine) publishPhase(ctx context.Context, merged map[string]*models.Note,
	sgn signer.Signer, result *SyncResult) {

	var pending []*models.Note
	for _, note := range merged {
		if note.NeedsPublish() {
			pending = append(pending, note)
		}
	}
	if len(pending) == 0 {
		return
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	var (
		wg      stdsync.WaitGroup
		mu      stdsync.Mutex
		sem     = make(chan struct{}, e.concurrency)
		stagger = e.publisher.StaggerDelay()
	)

dispatch:
	for _, note := range pending {
		if !e.acquireNote(note.ID) {
			// another pass is already publishing this id
			continue
		}

		select {
		case <-ctx.Done():
			e.releaseNote(note.ID)
			mu.Lock()
			result.FailedCount++
			result.Errors = append(result.Errors, ctx.Err().Error())
			mu.Unlock()
			// stop dispatching but still wait for the goroutines
			// already in flight; their outcomes belong in the result
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(n *models.Note) {
			defer wg.Done()
			defer func() { <-sem }()
			defer e.releaseNote(n.ID)

			n.SyncStatus = models.SyncStatusSyncing

			err := e.publishNote(ctx, n, sgn)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				n.SyncStatus = models.SyncStatusError
				n.SyncError = err.Error()
				result.FailedCount++
				result.Errors = append(result.Errors, fmt.Sprintf("note %s: %v", n.ID, err))
			} else {
				result.SyncedCount++
			}
		}(note)

		// small stagger between dispatches so a burst of notes does
		// not overwhelm the relays
		if stagger > 0 {
			time.Sleep(stagger)
		}
	}

	wg.Wait()
}

// publishTombstones republishes every deletion the relays have not yet
// acknowledged. Sequential; deletions are rare compared to edits.
func (e *Engine) publishTombstones(ctx context.Context, tombstones models.TombstoneSet,
	sgn signer.Signer, result *SyncResult) {

	for id, ts := range tombstones {
		if !ts.NeedsPublish() {
			continue
		}
		if err := e.PublishTombstone(ctx, &ts, sgn); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("tombstone %s: %v", id, err))
			continue
		}
		tombstones[id] = ts
		result.SyncedCount++
	}
}

// publishNote signs and publishes one note and applies the outcome.
func (e *Engine) publishNote(ctx context.Context, note *models.Note, sgn signer.Signer) error {
	evt, err := e.codec.EncodeNote(note)
	if err != nil {
		return err
	}
	if err := sgn.Sign(ctx, evt); err != nil {
		return err
	}

	outcome, err := e.publisher.PublishRecord(ctx, evt, nil)
	if err != nil {
		return err
	}

	note.RemoteRecordID = outcome.RecordID
	note.LastSynced = int64(evt.CreatedAt)
	note.SyncStatus = models.SyncStatusSynced
	note.SyncError = ""
	return nil
}

// PublishNote signs and publishes a single note outside a full sync
// pass, honoring the per-note in-flight serialization. The note's
// status fields are updated in place.
func (e *Engine) PublishNote(ctx context.Context, note *models.Note, sgn signer.Signer) error {
	if !e.acquireNote(note.ID) {
		return apperrors.New(apperrors.ErrSyncFailed, "publish already in flight for note "+note.ID)
	}
	defer e.releaseNote(note.ID)

	note.SyncStatus = models.SyncStatusSyncing
	if err := e.publishNote(ctx, note, sgn); err != nil {
		note.SyncStatus = models.SyncStatusError
		note.SyncError = err.Error()
		return err
	}
	return nil
}

// PublishTombstone signs and publishes a deletion record for the
// tombstone, stamping LastSynced on acceptance. On failure LastSynced
// stays zero and the next sync pass republishes the deletion; the
// tombstone itself is already durable locally.
func (e *Engine) PublishTombstone(ctx context.Context, ts *models.Tombstone, sgn signer.Signer) error {
	evt := e.codec.EncodeTombstone(ts, sgn.PublicKey())
	if err := sgn.Sign(ctx, evt); err != nil {
		return err
	}
	if _, err := e.publisher.PublishRecord(ctx, evt, nil); err != nil {
		return err
	}
	ts.LastSynced = int64(evt.CreatedAt)
	return nil
}

// acquireNote marks a note id as having a publish in flight. Returns
// false if one already is.
func (e *Engine) acquireNote(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		return false
	}
	e.inFlight[id] = true
	return true
}

func (e *Engine) releaseNote(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

func sortedNotes(merged map[string]*models.Note) []models.Note {
	notes := make([]models.Note, 0, len(merged))
	for _, n := range merged {
		notes = append(notes, *n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
	return notes
}

func sortedTombstones(set models.TombstoneSet) []models.Tombstone {
	tombstones := make([]models.Tombstone, 0, len(set))
	for _, ts := range set {
		tombstones = append(tombstones, ts)
	}
	sort.Slice(tombstones, func(i, j int) bool { return tombstones[i].NoteID < tombstones[j].NoteID })
	return tombstones
}
