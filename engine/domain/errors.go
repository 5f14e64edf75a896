package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Wrap with fmt.Errorf and test
// with errors.Is.
var (
	ErrStoreUnavailable   = errors.New("vector store unavailable")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrPartialSyncFailure = errors.New("sync failure rate above threshold")
	ErrUnknownKind        = errors.New("unknown record kind")
	ErrInvalidRecord      = errors.New("invalid record")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
