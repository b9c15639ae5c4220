// Package store persists the authoritative local snapshot of notes as a
// single encrypted blob per owner identity.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/relaynotes/internal/crypto"
	"github.com/kimhsiao/relaynotes/internal/debounce"
	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
	"github.com/kimhsiao/relaynotes/internal/logging"
	"github.com/kimhsiao/relaynotes/internal/models"
)

// Store is the Local Encrypted Store. Save calls within the quiet
// window coalesce into one encrypt+write; SaveNow bypasses debouncing
// for critical paths such as shutdown. Debouncing is per owner, so
// writes for one identity never swallow a pending write for another.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	window time.Duration

	dmu        sync.Mutex
	debouncers map[string]*debounce.Debouncer
}

// Open opens the store database under dataDir, creating it if needed.
// The database is opened with WAL mode and a single writer, matching
// SQLite's concurrency model.
func Open(dataDir string, debounceWindow time.Duration) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreFailed, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "relaynotes.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreFailed, "failed to open database", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreFailed, "failed to enable WAL mode", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		owner          TEXT PRIMARY KEY,
		ciphertext     BLOB NOT NULL,
		nonce          BLOB NOT NULL,
		ts             INTEGER NOT NULL,
		format_version INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreFailed, "failed to create schema", err)
	}

	return &Store{
		db:         db,
		window:     debounceWindow,
		debouncers: make(map[string]*debounce.Debouncer),
	}, nil
}

// debouncerFor returns the owner's debouncer, creating it on first use.
func (s *Store) debouncerFor(owner string) *debounce.Debouncer {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	d, ok := s.debouncers[owner]
	if !ok {
		d = debounce.New(s.window)
		s.debouncers[owner] = d
	}
	return d
}

// Save schedules a debounced encrypt+write of the snapshot for owner.
// Repeated calls within the quiet window coalesce; the latest snapshot
// wins. Safe to call repeatedly.
func (s *Store) Save(owner string, snap models.Snapshot) {
	s.debouncerFor(owner).Trigger(func() {
		if err := s.write(owner, snap); err != nil {
			logging.ErrorWithCode("Debounced save failed", string(apperrors.ErrStoreFailed), err,
				map[string]interface{}{"owner": owner})
		}
	})
}

// SaveNow writes the snapshot synchronously, bypassing the debounce.
// Any pending debounced write for the owner is dropped in favor of this
// one.
func (s *Store) SaveNow(owner string, snap models.Snapshot) error {
	s.debouncerFor(owner).Cancel()
	return s.write(owner, snap)
}

// Flush forces every pending debounced write to complete synchronously.
func (s *Store) Flush() {
	s.dmu.Lock()
	pending := make([]*debounce.Debouncer, 0, len(s.debouncers))
	for _, d := range s.debouncers {
		pending = append(pending, d)
	}
	s.dmu.Unlock()

	for _, d := range pending {
		d.Flush()
	}
}

// Load reads and decrypts the snapshot for owner. Decryption failure
// (corrupt blob, wrong key, unknown format) never propagates: it is
// logged and an empty snapshot is returned, since losing the ability to
// decrypt must not crash the caller.
func (s *Store) Load(owner string) models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob crypto.EncryptedBlob
	row := s.db.QueryRow(
		"SELECT ciphertext, nonce, ts, format_version FROM snapshots WHERE owner = ?", owner)
	err := row.Scan(&blob.Ciphertext, &blob.Nonce, &blob.Timestamp, &blob.FormatVersion)
	if err == sql.ErrNoRows {
		return models.Snapshot{}
	}
	if err != nil {
		logging.ErrorWithCode("Failed to read snapshot row", string(apperrors.ErrStoreFailed), err,
			map[string]interface{}{"owner": owner})
		return models.Snapshot{}
	}

	key := crypto.DeriveKey(owner)
	plaintext, err := crypto.Decrypt(&blob, key)
	if err != nil {
		logging.ErrorWithCode("Failed to decrypt snapshot, treating as empty",
			string(apperrors.ErrDecryptionFailed), err,
			map[string]interface{}{"owner": owner, "format_version": blob.FormatVersion})
		return models.Snapshot{}
	}

	var snap models.Snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		logging.ErrorWithCode("Failed to decode snapshot, treating as empty",
			string(apperrors.ErrDecryptionFailed), err,
			map[string]interface{}{"owner": owner})
		return models.Snapshot{}
	}

	return snap
}

// Close flushes all pending writes and closes the database.
func (s *Store) Close() error {
	s.Flush()
	return s.db.Close()
}

// write encrypts and upserts the snapshot blob.
func (s *Store) write(owner string, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := crypto.DeriveKey(owner)
	blob, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt snapshot: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO snapshots (owner, ciphertext, nonce, ts, format_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			ts = excluded.ts,
			format_version = excluded.format_version,
			updated_at = excluded.updated_at`,
		owner, blob.Ciphertext, blob.Nonce, blob.Timestamp, blob.FormatVersion, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	logging.Debug("Snapshot persisted",
		map[string]interface{}{"owner": owner, "notes": len(snap.Notes), "tombstones": len(snap.Tombstones)})

	return nil
}
