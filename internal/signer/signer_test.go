package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
)

func testEvent() *nostr.Event {
	return &nostr.Event{
		Kind:      nostr.KindApplicationSpecificData,
		CreatedAt: nostr.Now(),
		Content:   "payload",
		Tags:      nostr.Tags{{"d", "note-1"}},
	}
}

// TestLocalKeySigner_Sign verifies a generated key produces events with
// a valid signature matching the advertised public key.
func TestLocalKeySigner_Sign(t *testing.T) {
	s, err := NewGeneratedSigner()
	if err != nil {
		t.Fatalf("NewGeneratedSigner() error = %v", err)
	}
	if s.PublicKey() == "" {
		t.Fatal("PublicKey() is empty")
	}

	evt := testEvent()
	if err := s.Sign(context.Background(), evt); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if evt.ID == "" || evt.Sig == "" {
		t.Error("Sign() left ID or Sig empty")
	}
	if evt.PubKey != s.PublicKey() {
		t.Errorf("event PubKey = %q, want %q", evt.PubKey, s.PublicKey())
	}

	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		t.Errorf("CheckSignature() = %v, %v, want valid", ok, err)
	}
}

// TestNewLocalKeySigner_invalidKey verifies a bad key fails at
// construction, not first use.
func TestNewLocalKeySigner_invalidKey(t *testing.T) {
	_, err := NewLocalKeySigner("not-a-hex-key")
	if err == nil {
		t.Fatal("NewLocalKeySigner() accepted an invalid key")
	}
	if !apperrors.Is(err, apperrors.ErrSigningFailed) {
		t.Errorf("error code = %v, want ErrSigningFailed", err)
	}
}

// TestExtensionSigner_delegates verifies the mediated signer calls its
// callback and wraps its failures.
func TestExtensionSigner_delegates(t *testing.T) {
	called := false
	s := NewExtensionSigner("pubkey-hex", func(_ context.Context, evt *nostr.Event) error {
		called = true
		evt.ID = "signed-elsewhere"
		evt.Sig = "sig"
		return nil
	})

	evt := testEvent()
	if err := s.Sign(context.Background(), evt); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !called {
		t.Error("mediator callback was not invoked")
	}
	if evt.ID != "signed-elsewhere" {
		t.Errorf("event ID = %q, want mediator's value", evt.ID)
	}
}

// TestExtensionSigner_unavailable verifies failures surface as signing
// errors the publish path can attribute to the note.
func TestExtensionSigner_unavailable(t *testing.T) {
	s := NewExtensionSigner("pubkey-hex", nil)
	if err := s.Sign(context.Background(), testEvent()); !apperrors.Is(err, apperrors.ErrSigningFailed) {
		t.Errorf("Sign() with no mediator error = %v, want ErrSigningFailed", err)
	}

	failing := NewExtensionSigner("pubkey-hex", func(context.Context, *nostr.Event) error {
		return errors.New("user rejected the prompt")
	})
	if err := failing.Sign(context.Background(), testEvent()); !apperrors.Is(err, apperrors.ErrSigningFailed) {
		t.Errorf("Sign() with failing mediator error = %v, want ErrSigningFailed", err)
	}
}

// TestRemoteSigner_delegates verifies the remote variant behaves like
// the extension one.
func TestRemoteSigner_delegates(t *testing.T) {
	s := NewRemoteSigner("pubkey-hex", func(_ context.Context, evt *nostr.Event) error {
		evt.Sig = "remote-sig"
		return nil
	})

	evt := testEvent()
	if err := s.Sign(context.Background(), evt); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if evt.Sig != "remote-sig" {
		t.Errorf("event Sig = %q, want remote-sig", evt.Sig)
	}

	unavailable := NewRemoteSigner("pubkey-hex", nil)
	if err := unavailable.Sign(context.Background(), testEvent()); !apperrors.Is(err, apperrors.ErrSigningFailed) {
		t.Errorf("Sign() with no transport error = %v, want ErrSigningFailed", err)
	}
}
