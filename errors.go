package deathbycaptcha

import (
	"errors"
	"fmt"
)

// Error categories surfaced to callers. Each provider failure maps to
// exactly one of these, so calling code can branch with errors.Is
// instead of matching message strings.
var (
	// ErrAccessDenied covers bad credentials, banned accounts and
	// insufficient balance. Never retried automatically.
	ErrAccessDenied = errors.New("deathbycaptcha: access denied")

	// ErrInvalidCaptcha covers malformed or unsupported CAPTCHA
	// payloads, detected either locally before upload or by the
	// provider.
	ErrInvalidCaptcha = errors.New("deathbycaptcha: invalid captcha")

	// ErrServiceOverload signals temporary provider capacity
	// exhaustion. Eligible for retry with backoff.
	ErrServiceOverload = errors.New("deathbycaptcha: service overloaded")

	// ErrNotFound is returned for lookups of CAPTCHA ids the account
	// does not own.
	ErrNotFound = errors.New("deathbycaptcha: captcha not found")

	// ErrConnection covers network-level failures after reconnect
	// attempts are exhausted.
	ErrConnection = errors.New("deathbycaptcha: connection failed")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("deathbycaptcha: client closed")
)

// classifyWireError maps the provider's "error" response field to an
// error category. Unrecognized strings become plain errors treated as
// transient by the poll loop.
func classifyWireError(msg string) error {
	switch msg {
	case "":
		return nil
	case "not-logged-in", "invalid-credentials", "banned", "insufficient-funds":
		return fmt.Errorf("%w: %s", ErrAccessDenied, msg)
	case "invalid-captcha":
		return fmt.Errorf("%w: %s", ErrInvalidCaptcha, msg)
	case "service-overload":
		return fmt.Errorf("%w: %s", ErrServiceOverload, msg)
	case "not-found":
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("deathbycaptcha: %s", msg)
}

// retryable reports whether an error may be retried during the poll
// loop. Access-denied and validation failures always abort; so do
// closed-client and not-found errors.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrAccessDenied) &&
		!errors.Is(err, ErrInvalidCaptcha) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrClosed)
}
