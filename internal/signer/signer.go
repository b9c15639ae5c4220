// Package signer abstracts the signing authority that turns unsigned
// records into signed, immutable relay events.
package signer

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
)

// Signer is the single capability the sync engine needs from any
// authentication method. Signing fills in the event id, pubkey and
// signature. The engine never branches on the concrete variant.
type Signer interface {
	// Sign signs the event in place, setting ID, PubKey and Sig.
	Sign(ctx context.Context, evt *nostr.Event) error

	// PublicKey returns the owner's public key in hex.
	PublicKey() string
}

// LocalKeySigner signs with a locally held private key.
type LocalKeySigner struct {
	privateKey string
	publicKey  string
}

// NewLocalKeySigner creates a signer from a hex private key.
func NewLocalKeySigner(privateKey string) (*LocalKeySigner, error) {
	pub, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSigningFailed, "invalid private key", err)
	}
	return &LocalKeySigner{
		privateKey: privateKey,
		publicKey:  pub,
	}, nil
}

// NewGeneratedSigner creates a signer with a fresh random key, useful
// for tests and first-run provisioning.
func NewGeneratedSigner() (*LocalKeySigner, error) {
	return NewLocalKeySigner(nostr.GeneratePrivateKey())
}

// Sign implements Signer.
func (s *LocalKeySigner) Sign(_ context.Context, evt *nostr.Event) error {
	if err := evt.Sign(s.privateKey); err != nil {
		return apperrors.Wrap(apperrors.ErrSigningFailed, "local key signing failed", err)
	}
	return nil
}

// PublicKey implements Signer.
func (s *LocalKeySigner) PublicKey() string {
	return s.publicKey
}

// SignFunc is the callback handed to mediated signers. It must return
// the event fully signed or an error.
type SignFunc func(ctx context.Context, evt *nostr.Event) error

// ExtensionSigner delegates signing to a browser-extension style
// mediator. The mediator may be temporarily unavailable; that surfaces
// as a failed publish for the affected record, never a crash.
type ExtensionSigner struct {
	publicKey string
	sign      SignFunc
}

// NewExtensionSigner creates a mediated signer.
func NewExtensionSigner(publicKey string, sign SignFunc) *ExtensionSigner {
	return &ExtensionSigner{publicKey: publicKey, sign: sign}
}

// Sign implements Signer.
func (s *ExtensionSigner) Sign(ctx context.Context, evt *nostr.Event) error {
	if s.sign == nil {
		return apperrors.New(apperrors.ErrSigningFailed, "extension signer unavailable")
	}
	if err := s.sign(ctx, evt); err != nil {
		return apperrors.Wrap(apperrors.ErrSigningFailed, "extension signing failed", err)
	}
	return nil
}

// PublicKey implements Signer.
func (s *ExtensionSigner) PublicKey() string {
	return s.publicKey
}

// RemoteSigner delegates signing to a remote signer service over its
// own transport.
type RemoteSigner struct {
	publicKey string
	sign      SignFunc
}

// NewRemoteSigner creates a remote-mediated signer.
func NewRemoteSigner(publicKey string, sign SignFunc) *RemoteSigner {
	return &RemoteSigner{publicKey: publicKey, sign: sign}
}

// Sign implements Signer.
func (s *RemoteSigner) Sign(ctx context.Context, evt *nostr.Event) error {
	if s.sign == nil {
		return apperrors.New(apperrors.ErrSigningFailed, "remote signer unavailable")
	}
	if err := s.sign(ctx, evt); err != nil {
		return apperrors.Wrap(apperrors.ErrSigningFailed, "remote signing failed", err)
	}
	return nil
}

// PublicKey implements Signer.
func (s *RemoteSigner) PublicKey() string {
	return s.publicKey
}
