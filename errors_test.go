package deathbycaptcha

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyWireError(t *testing.T) {
	tests := []struct {
		name     string
		wire     string
		expected error
	}{
		{"no error", "", nil},
		{"not logged in", "not-logged-in", ErrAccessDenied},
		{"invalid credentials", "invalid-credentials", ErrAccessDenied},
		{"banned", "banned", ErrAccessDenied},
		{"insufficient funds", "insufficient-funds", ErrAccessDenied},
		{"invalid captcha", "invalid-captcha", ErrInvalidCaptcha},
		{"service overload", "service-overload", ErrServiceOverload},
		{"not found", "not-found", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyWireError(tt.wire)
			if tt.expected == nil {
				if err != nil {
					t.Fatalf("classifyWireError(%q) = %v, want nil", tt.wire, err)
				}
				return
			}
			if !errors.Is(err, tt.expected) {
				t.Fatalf("classifyWireError(%q) = %v, want %v", tt.wire, err, tt.expected)
			}
		})
	}
}

func TestClassifyWireErrorUnknown(t *testing.T) {
	err := classifyWireError("some-new-error")
	if err == nil {
		t.Fatal("expected error for unknown wire string")
	}
	// Unknown errors stay generic so the poll loop may retry them.
	if !retryable(err) {
		t.Fatal("unknown wire errors must be retryable")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"access denied", ErrAccessDenied, false},
		{"wrapped access denied", fmt.Errorf("ctx: %w", ErrAccessDenied), false},
		{"invalid captcha", ErrInvalidCaptcha, false},
		{"not found", ErrNotFound, false},
		{"closed", ErrClosed, false},
		{"overload", ErrServiceOverload, true},
		{"connection", ErrConnection, true},
		{"generic", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.retryable {
				t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}
