// Package errors tests for error code definitions.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	err := New(ErrValidation, "payload rejected")
	if err.Error() != "[VALIDATION_ERROR] payload rejected" {
		t.Errorf("Error() = %q", err.Error())
	}

	wrapped := Wrap(ErrDatabase, "insert failed", stderrors.New("disk full"))
	want := "[DATABASE_ERROR] insert failed: disk full"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

// TestAppError_Unwrap verifies the cause chain is preserved.
func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(ErrTransientNetwork, "send failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

// TestIs_nestedCodes verifies code matching through wrapped AppErrors.
func TestIs_nestedCodes(t *testing.T) {
	inner := New(ErrAuthExpired, "token rejected")
	outer := Wrap(ErrInternal, "session failed", inner)

	if !Is(outer, ErrAuthExpired) {
		t.Error("Is should match a nested code")
	}

	if Is(outer, ErrRateLimited) {
		t.Error("Is matched an absent code")
	}

	plain := fmt.Errorf("wrapped: %w", New(ErrValidation, "bad field"))
	if !Is(plain, ErrValidation) {
		t.Error("Is should unwrap plain fmt.Errorf wrappers")
	}
}

// TestIsRetryable classifies the taxonomy per retry policy.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrTransientNetwork, true},
		{ErrTimeout, true},
		{ErrHeartbeatLost, true},
		{ErrRateLimited, true},
		{ErrValidation, false},
		{ErrAuthExpired, false},
		{ErrQueueExhausted, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(New(tt.code, "x")); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

// TestIsFatal verifies only auth/config failures stop the retry loop.
func TestIsFatal(t *testing.T) {
	if !IsFatal(New(ErrAuthExpired, "re-auth required")) {
		t.Error("auth expiry must be fatal")
	}

	if IsFatal(New(ErrTransientNetwork, "flaky link")) {
		t.Error("transient failures must not be fatal")
	}
}

// TestCodeOf_untagged verifies plain errors map to ErrInternal.
func TestCodeOf_untagged(t *testing.T) {
	if CodeOf(stderrors.New("boom")) != ErrInternal {
		t.Error("untagged error should report ErrInternal")
	}
}
