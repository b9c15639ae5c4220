// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/relaynotes/internal/models"
	"github.com/kimhsiao/relaynotes/internal/signer"
)

// SyncEngine defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngine interface {
	// Sync performs a full synchronization pass over the given local
	// state. Returns the merged result with statistics; on a fetch
	// failure the local input is returned unchanged alongside the error.
	Sync(ctx context.Context, localNotes []models.Note,
		localTombstones []models.Tombstone, sgn signer.Signer) (*SyncResult, error)

	// PublishNote publishes a single note outside a full sync pass.
	PublishNote(ctx context.Context, note *models.Note, sgn signer.Signer) error

	// PublishTombstone publishes a deletion record for the tombstone.
	PublishTombstone(ctx context.Context, ts *models.Tombstone, sgn signer.Signer) error

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// LastError returns the last error that occurred during sync.
	LastError() error
}
