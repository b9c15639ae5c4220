// Package models provides data model definitions for relaynotes.
package models

// RemoteRecord is the decrypted counterpart of a Note as observed from
// a relay.
type RemoteRecord struct {
	Note            Note   `json:"note"`
	RemoteRecordID  string `json:"remote_record_id"`
	RemoteTimestamp int64  `json:"remote_timestamp"`
	SourceRelay     string `json:"source_relay"`
}

// Snapshot is the unit persisted by the encrypted store: the full
// active note collection plus the tombstones that suppress
// resurrection. Tombstones ride in the blob so they survive restarts.
type Snapshot struct {
	Notes      []Note      `json:"notes"`
	Tombstones []Tombstone `json:"tombstones,omitempty"`
}
