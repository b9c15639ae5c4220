// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty, unique values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		// General errors
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},

		// Store errors
		{"decryption failed", ErrDecryptionFailed},
		{"store failed", ErrStoreFailed},

		// Relay errors
		{"relay unreachable", ErrRelayUnreachable},
		{"relay rejected", ErrRelayRejected},

		// Sync errors
		{"signing failed", ErrSigningFailed},
		{"sync failed", ErrSyncFailed},
		{"sync timeout", ErrSyncTimeout},
		{"queue full", ErrQueueFull},

		// Configuration errors
		{"config invalid", ErrConfigInvalid},
	}

	seen := make(map[ErrorCode]string)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("error code for %q is empty", tt.name)
			}
			if prev, ok := seen[tt.code]; ok {
				t.Errorf("error code %q duplicated by %q and %q", tt.code, prev, tt.name)
			}
			seen[tt.code] = tt.name
		})
	}
}

// TestNew verifies AppError construction without a cause.
func TestNew(t *testing.T) {
	err := New(ErrSyncFailed, "sync went wrong")

	if err.Code != ErrSyncFailed {
		t.Errorf("Code = %q, want %q", err.Code, ErrSyncFailed)
	}
	if err.Message != "sync went wrong" {
		t.Errorf("Message = %q, want %q", err.Message, "sync went wrong")
	}
	if err.Err != nil {
		t.Errorf("Err = %v, want nil", err.Err)
	}

	msg := err.Error()
	if !strings.Contains(msg, string(ErrSyncFailed)) || !strings.Contains(msg, "sync went wrong") {
		t.Errorf("Error() = %q, want code and message", msg)
	}
}

// TestWrap verifies cause wrapping and unwrapping.
func TestWrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrRelayUnreachable, "publish failed", cause)

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want the cause", err.Unwrap())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is() does not see the wrapped cause")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Error() = %q, want the cause included", err.Error())
	}
}

// TestIs verifies code matching.
func TestIs(t *testing.T) {
	err := New(ErrDecryptionFailed, "bad blob")

	if !Is(err, ErrDecryptionFailed) {
		t.Error("Is() = false for the matching code")
	}
	if Is(err, ErrStoreFailed) {
		t.Error("Is() = true for a different code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is() = true for a non-AppError")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is() = true for nil")
	}
}
