package store

import (
	"testing"
	"time"

	"github.com/kimhsiao/relaynotes/internal/models"
)

func testSnapshot() models.Snapshot {
	return models.Snapshot{
		Notes: []models.Note{
			{
				ID:           "n1",
				Title:        "first note",
				Content:      "hello",
				Tags:         []string{"work"},
				CreatedAt:    100,
				LastModified: 200,
				SyncStatus:   models.SyncStatusLocal,
			},
		},
		Tombstones: []models.Tombstone{
			{NoteID: "gone", DeletedAt: 150},
		},
	}
}

// TestSaveNowLoad_roundtrip verifies a snapshot written synchronously
// comes back intact.
func TestSaveNowLoad_roundtrip(t *testing.T) {
	s, err := Open(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.SaveNow("alice", testSnapshot()); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}

	snap := s.Load("alice")
	if len(snap.Notes) != 1 {
		t.Fatalf("Load() notes = %d, want 1", len(snap.Notes))
	}
	note := snap.Notes[0]
	if note.Title != "first note" || note.LastModified != 200 {
		t.Errorf("Load() note = %+v, want the saved note", note)
	}
	if len(snap.Tombstones) != 1 || snap.Tombstones[0].NoteID != "gone" {
		t.Errorf("Load() tombstones = %v, want the saved tombstone", snap.Tombstones)
	}
}

// TestLoad_unknownOwner verifies a never-saved owner loads empty.
func TestLoad_unknownOwner(t *testing.T) {
	s, err := Open(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	snap := s.Load("nobody")
	if len(snap.Notes) != 0 || len(snap.Tombstones) != 0 {
		t.Errorf("Load() for unknown owner = %+v, want empty snapshot", snap)
	}
}

// TestSave_ownersDebounceIndependently verifies interleaved debounced
// saves for different owners both land; one owner's pending write never
// coalesces away another's.
func TestSave_ownersDebounceIndependently(t *testing.T) {
	s, err := Open(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	aliceSnap := testSnapshot()
	bobSnap := models.Snapshot{Notes: []models.Note{{ID: "b1", Title: "bob's note"}}}

	s.Save("alice", aliceSnap)
	s.Save("bob", bobSnap)
	s.Flush()

	if snap := s.Load("alice"); len(snap.Notes) != 1 || snap.Notes[0].ID != "n1" {
		t.Errorf("alice snapshot = %+v, want her pending write persisted", snap.Notes)
	}
	if snap := s.Load("bob"); len(snap.Notes) != 1 || snap.Notes[0].ID != "b1" {
		t.Errorf("bob snapshot = %+v, want his pending write persisted", snap.Notes)
	}
}

// TestLoad_ownersIsolated verifies one owner's snapshot is invisible to
// another.
func TestLoad_ownersIsolated(t *testing.T) {
	s, err := Open(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.SaveNow("alice", testSnapshot()); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}

	if snap := s.Load("bob"); len(snap.Notes) != 0 {
		t.Errorf("Load() for other owner returned %d notes, want 0", len(snap.Notes))
	}
}

// TestLoad_corruptBlobReturnsEmpty verifies a corrupted row degrades to
// an empty snapshot instead of an error.
func TestLoad_corruptBlobReturnsEmpty(t *testing.T) {
	s, err := Open(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.SaveNow("alice", testSnapshot()); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}

	if _, err := s.db.Exec("UPDATE snapshots SET ciphertext = ? WHERE owner = ?",
		[]byte("garbage"), "alice"); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}

	snap := s.Load("alice")
	if len(snap.Notes) != 0 {
		t.Errorf("Load() of corrupt blob returned %d notes, want empty snapshot", len(snap.Notes))
	}
}

// TestSave_debounceCoalesces verifies a burst of Save calls produces a
// single write carrying the last snapshot.
func TestSave_debounceCoalesces(t *testing.T) {
	s, err := Open(t.TempDir(), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		snap := testSnapshot()
		snap.Notes[0].LastModified = int64(1000 + i)
		s.Save("alice", snap)
	}

	// nothing should be visible until the quiet window elapses
	if snap := s.Load("alice"); len(snap.Notes) != 0 {
		t.Error("snapshot visible before the debounce window elapsed")
	}

	time.Sleep(150 * time.Millisecond)

	snap := s.Load("alice")
	if len(snap.Notes) != 1 {
		t.Fatalf("Load() notes = %d, want 1", len(snap.Notes))
	}
	if got := snap.Notes[0].LastModified; got != 1004 {
		t.Errorf("LastModified = %d, want 1004 (last Save wins)", got)
	}
}

// TestFlush_forcesPendingWrite verifies Flush completes a pending
// debounced write synchronously.
func TestFlush_forcesPendingWrite(t *testing.T) {
	s, err := Open(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	s.Save("alice", testSnapshot())
	s.Flush()

	if snap := s.Load("alice"); len(snap.Notes) != 1 {
		t.Errorf("Load() after Flush() notes = %d, want 1", len(snap.Notes))
	}
}

// TestSaveNow_supersedesPending verifies SaveNow drops a pending
// debounced write so an older snapshot cannot clobber a newer one.
func TestSaveNow_supersedesPending(t *testing.T) {
	s, err := Open(t.TempDir(), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	old := testSnapshot()
	old.Notes[0].Title = "stale"
	s.Save("alice", old)

	fresh := testSnapshot()
	fresh.Notes[0].Title = "fresh"
	if err := s.SaveNow("alice", fresh); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	snap := s.Load("alice")
	if got := snap.Notes[0].Title; got != "fresh" {
		t.Errorf("Title = %q, want %q (SaveNow must win over pending Save)", got, "fresh")
	}
}

// TestOpen_reopenSeesData verifies persistence across store instances.
func TestOpen_reopenSeesData(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.SaveNow("alice", testSnapshot()); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer s2.Close()

	if snap := s2.Load("alice"); len(snap.Notes) != 1 {
		t.Errorf("Load() after reopen notes = %d, want 1", len(snap.Notes))
	}
}
