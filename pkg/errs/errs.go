// Package errs defines the error taxonomy shared by the billing engine.
//
// Packages wrap these sentinels with context using fmt.Errorf and %w;
// callers classify with errors.Is. The HTTP layer maps each sentinel to a
// status code in one place (pkg/api).
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a plan, subscription or event does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record that must be unique
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned when a trigger is not valid in the current status
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnauthenticated is returned when a webhook signature does not verify
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrLimitExceeded is returned when a usage limit would be exceeded
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	// It is retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict is returned when an optimistic write lost a race
	ErrConflict = errors.New("version conflict")

	// ErrInvalidInput is returned for malformed requests and payloads
	ErrInvalidInput = errors.New("invalid input")
)

// Unavailable wraps a driver error as ErrStoreUnavailable, keeping the cause
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Invalid builds an ErrInvalidInput with a message
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the caller may retry the operation later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict)
}
