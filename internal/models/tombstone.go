// Package models provides data model definitions for relaynotes.
package models

import "time"

// Tombstone records that a note id was deleted. Once present, merges
// never reintroduce an active note with that id.
type Tombstone struct {
	NoteID         string `json:"note_id"`
	DeletedAt      int64  `json:"deleted_at"`
	LastSynced     int64  `json:"last_synced,omitempty"`      // 0 = deletion never acknowledged by a relay
	RemoteRecordID string `json:"remote_record_id,omitempty"` // deleted record on the relays, if known
}

// NeedsPublish reports whether the deletion has not been acknowledged
// by any relay.
func (t *Tombstone) NeedsPublish() bool {
	return t.LastSynced == 0
}

// DeletedAtTime returns DeletedAt as time.Time.
func (t *Tombstone) DeletedAtTime() time.Time {
	return time.Unix(t.DeletedAt, 0)
}

// TombstoneSet is a lookup index over tombstones keyed by note id.
type TombstoneSet map[string]Tombstone

// NewTombstoneSet builds a TombstoneSet from a slice.
func NewTombstoneSet(tombstones []Tombstone) TombstoneSet {
	set := make(TombstoneSet, len(tombstones))
	for _, ts := range tombstones {
		set[ts.NoteID] = ts
	}
	return set
}

// Contains reports whether the note id is tombstoned.
func (s TombstoneSet) Contains(noteID string) bool {
	_, ok := s[noteID]
	return ok
}
