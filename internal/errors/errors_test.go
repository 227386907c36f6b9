// Package errors tests for error code classification.
package errors

import (
	stderrors "errors"
	"testing"
)

// TestAppErrorFormat verifies error message formatting with and without
// a wrapped cause.
func TestAppErrorFormat(t *testing.T) {
	err := New(ErrStorage, "write failed")
	want := "[STORAGE_ERROR] write failed"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	cause := stderrors.New("disk full")
	wrapped := Wrap(ErrStorage, "write failed", cause)
	want = "[STORAGE_ERROR] write failed: disk full"
	if wrapped.Error() != want {
		t.Errorf("Expected %q, got %q", want, wrapped.Error())
	}
}

// TestUnwrap verifies the wrapped cause is reachable via errors.Is.
func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	wrapped := Wrap(ErrTransientNetwork, "push failed", cause)

	if !stderrors.Is(wrapped, cause) {
		t.Error("Expected wrapped error to match cause via errors.Is")
	}
}

// TestIsWalksChain verifies Is matches codes anywhere in the wrap chain.
func TestIsWalksChain(t *testing.T) {
	inner := New(ErrTransientNetwork, "timeout")
	outer := Wrap(ErrSyncFailed, "push phase", inner)

	if !Is(outer, ErrSyncFailed) {
		t.Error("Expected outer code to match")
	}
	if !Is(outer, ErrTransientNetwork) {
		t.Error("Expected inner code to match through the chain")
	}
	if Is(outer, ErrPermanentRemote) {
		t.Error("Did not expect unrelated code to match")
	}
	if Is(nil, ErrSyncFailed) {
		t.Error("nil error must not match any code")
	}
}

// TestClassification verifies transient/permanent helpers.
func TestClassification(t *testing.T) {
	transient := New(ErrTransientNetwork, "timeout")
	permanent := New(ErrPermanentRemote, "validation rejected")

	if !IsTransient(transient) {
		t.Error("Expected transient classification")
	}
	if IsTransient(permanent) {
		t.Error("Permanent error classified as transient")
	}
	if !IsPermanent(permanent) {
		t.Error("Expected permanent classification")
	}
	if IsPermanent(transient) {
		t.Error("Transient error classified as permanent")
	}
}

// TestCodeOf verifies code extraction with a fallback for plain errors.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrPolicySkip, "wifi only")); got != ErrPolicySkip {
		t.Errorf("Expected POLICY_SKIP, got %s", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != ErrInternal {
		t.Errorf("Expected INTERNAL_ERROR fallback, got %s", got)
	}
}
