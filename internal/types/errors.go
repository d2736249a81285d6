package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the rule store and the gateway.
// Callers classify with errors.Is; the gRPC boundary maps each kind to a
// status code and back.
var (
	// ErrNotFound indicates the rule id is unknown to the store.
	ErrNotFound = errors.New("rule not found")

	// ErrValidation indicates a required field is missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a concurrent modification or ordering violation.
	ErrConflict = errors.New("conflicting modification")

	// ErrTransport indicates the request could not complete.
	ErrTransport = errors.New("transport failure")

	// ErrSessionBusy indicates another rule holds the active dirty session.
	ErrSessionBusy = errors.New("another rule has unsaved changes")

	// ErrPathTooDeep indicates a source path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("source path exceeds maximum depth")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
