// Package models provides data model definitions for relaynotes.
package models

import "time"

// SyncStatus represents the per-note sync lifecycle state.
type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "local"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Note is the user-visible unit of content.
type Note struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      int64      `json:"created_at"`
	LastModified   int64      `json:"last_modified"`
	LastSynced     int64      `json:"last_synced,omitempty"` // 0 = never acknowledged
	RemoteRecordID string     `json:"remote_record_id,omitempty"`
	SyncStatus     SyncStatus `json:"sync_status"`
	SyncError      string     `json:"sync_error,omitempty"`
}

// CreatedAtTime returns CreatedAt as time.Time.
func (n *Note) CreatedAtTime() time.Time {
	return time.Unix(n.CreatedAt, 0)
}

// LastModifiedTime returns LastModified as time.Time.
func (n *Note) LastModifiedTime() time.Time {
	return time.Unix(n.LastModified, 0)
}

// Touch updates the LastModified timestamp and marks the note as
// locally modified so the next sync pass republishes it. Edits within
// the same second still advance the timestamp; two versions of a note
// never compare equal.
func (n *Note) Touch() {
	now := time.Now().Unix()
	if now <= n.LastModified {
		now = n.LastModified + 1
	}
	n.LastModified = now
	n.SyncStatus = SyncStatusLocal
	n.SyncError = ""
}

// NeedsPublish reports whether the note has local changes that have not
// been acknowledged by any relay.
func (n *Note) NeedsPublish() bool {
	return n.SyncStatus == SyncStatusLocal ||
		n.RemoteRecordID == "" ||
		n.LastModified > n.LastSynced
}
