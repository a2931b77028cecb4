package auditlog

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed filter or query parameters.
	ErrValidation = errors.New("validation failed")
	// ErrActorUnresolved marks a write attempted without an actor identity
	// for an action that requires one.
	ErrActorUnresolved = errors.New("actor unresolved")
	// ErrStoreUnavailable marks a transient persistence failure.
	ErrStoreUnavailable = errors.New("audit store unavailable")
	// ErrReportTimeout marks a report that exceeded its time budget.
	ErrReportTimeout = errors.New("report timed out")
)

// ValidationError describes a single rejected parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Unavailable wraps err so callers can match ErrStoreUnavailable while the
// underlying cause stays inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
