// Package crypto provides authenticated encryption for the local note store.
// Uses AES-256-GCM with a PBKDF2-derived key per owner identity.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
	// ErrUnknownFormat is returned when a blob carries an unsupported format version.
	ErrUnknownFormat = errors.New("unknown blob format version")
)

const (
	// BlobFormatVersion is the current on-disk blob layout version,
	// checked on load to allow future migrations.
	BlobFormatVersion = 1

	// kdfIterations is the PBKDF2 iteration count. Changing it changes
	// every derived key, so it is part of the format contract.
	kdfIterations = 100_000
	keyLength     = 32
)

// kdfSalt is fixed so key derivation is deterministic per owner.
var kdfSalt = []byte("relaynotes-local-store-v1")

// EncryptedBlob is the persisted ciphertext envelope.
type EncryptedBlob struct {
	Ciphertext    []byte `json:"ciphertext"`
	Nonce         []byte `json:"nonce"`
	Timestamp     int64  `json:"timestamp"`
	FormatVersion int    `json:"format_version"`
}

// DeriveKey derives a deterministic 32-byte key from the owner identity.
func DeriveKey(owner string) []byte {
	return pbkdf2.Key([]byte(owner), kdfSalt, kdfIterations, keyLength, sha256.New)
}

// Encrypt seals plaintext under the key using AES-256-GCM with a random
// nonce and returns the blob envelope.
func Encrypt(plaintext, key []byte) (*EncryptedBlob, error) {
	if len(key) != keyLength {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return &EncryptedBlob{
		Ciphertext:    gcm.Seal(nil, nonce, plaintext, nil),
		Nonce:         nonce,
		Timestamp:     time.Now().Unix(),
		FormatVersion: BlobFormatVersion,
	}, nil
}

// Decrypt opens a blob sealed by Encrypt. A corrupt blob, a foreign key
// or an unsupported format version all fail without panicking.
func Decrypt(blob *EncryptedBlob, key []byte) ([]byte, error) {
	if blob == nil {
		return nil, ErrInvalidCiphertext
	}
	if blob.FormatVersion != BlobFormatVersion {
		return nil, ErrUnknownFormat
	}
	if len(key) != keyLength {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(blob.Nonce) != gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

// EncryptPayload seals a record payload for the relay wire format and
// returns it base64-free as raw bytes; callers encode for transport.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	blob, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	// nonce || ciphertext, GCM nonce size is fixed for a given key
	out := make([]byte, 0, len(blob.Nonce)+len(blob.Ciphertext))
	out = append(out, blob.Nonce...)
	out = append(out, blob.Ciphertext...)
	return out, nil
}

// DecryptPayload opens a payload sealed by EncryptPayload.
func DecryptPayload(data, key []byte) ([]byte, error) {
	if len(key) != keyLength {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}
