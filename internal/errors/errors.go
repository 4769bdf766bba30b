// LOCATION: internal/errors/errors.go
// VERSION: 2.0 - Consolidated error definitions for the entire project
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Kind and exit-code mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Structural errors - the data cannot support the requested operation.
	// These are never retriable; the inputs themselves are wrong.
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrOrderingViolation   = errors.New("ordering violation")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrInvalidLag          = errors.New("invalid lag")

	// Not found errors
	ErrNotFound        = errors.New("not found")
	ErrStoreNotFound   = errors.New("store not found")
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrFeatureNotFound = errors.New("feature not found")

	// Validation errors
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidOption = errors.New("invalid option")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidRange  = errors.New("invalid range")

	// State errors
	ErrEmptyDataset = errors.New("dataset has no partitions")
	ErrClosed       = errors.New("already closed")
	ErrReleased     = errors.New("partition result already released")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrStorage  = errors.New("storage error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsStructural returns true if err indicates that the input data cannot
// support the requested operation (as opposed to a transient failure).
func IsStructural(err error) bool {
	return errors.Is(err, ErrInsufficientHistory) ||
		errors.Is(err, ErrShapeMismatch) ||
		errors.Is(err, ErrOrderingViolation) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrInvalidLag)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStoreNotFound) ||
		errors.Is(err, ErrChunkNotFound) ||
		errors.Is(err, ErrFeatureNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidOption) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidLag)
}

// IsRetriable returns true if the error is potentially retriable.
// Retrying means re-running the whole trigger; structural errors never
// qualify.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrDatabase)
}

// ============================================================================
// Error kind and exit-code mapping
// ============================================================================

// Kind returns a short machine-readable name for the error category,
// suitable for structured log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	case Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case Is(err, ErrOrderingViolation):
		return "ordering_violation"
	case Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case Is(err, ErrInvalidLag):
		return "invalid_lag"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "validation"
	case Is(err, ErrEmptyDataset):
		return "empty_dataset"
	case Is(err, ErrClosed), Is(err, ErrReleased):
		return "state"
	case Is(err, ErrStorage):
		return "storage"
	case Is(err, ErrDatabase):
		return "database"
	default:
		return "internal"
	}
}

// Process exit codes used by the CLI.
const (
	ExitOK         = 0
	ExitInternal   = 1
	ExitUsage      = 2
	ExitStructural = 3
	ExitNotFound   = 4
)

// ExitCode maps an error to the process exit code the CLI should use.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsStructural(err):
		return ExitStructural
	case IsNotFound(err):
		return ExitNotFound
	case IsValidation(err):
		return ExitUsage
	default:
		return ExitInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewInsufficientHistory creates an insufficient-history error for a
// partition whose extended length (own rows plus carried context) does not
// exceed the lag depth.
func NewInsufficientHistory(partition, rows, carried, lag int) error {
	return fmt.Errorf("partition %d: %d rows (+%d carried) with lag %d: %w",
		partition, rows, carried, lag, ErrInsufficientHistory)
}

// NewShapeMismatch creates a shape-mismatch error for a panel whose column
// count does not divide evenly into lag groups.
func NewShapeMismatch(cols, lag int) error {
	return fmt.Errorf("%d columns not divisible by %d lag groups: %w",
		cols, lag+1, ErrShapeMismatch)
}

// NewOrderingViolation creates an ordering-violation error with context.
func NewOrderingViolation(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrOrderingViolation)
}

// NewSchemaMismatch creates a schema-mismatch error naming the disagreeing
// field.
func NewSchemaMismatch(field string, want, got interface{}) error {
	return fmt.Errorf("%s: want %v, got %v: %w", field, want, got, ErrSchemaMismatch)
}

// NewInvalidLag creates an invalid-lag error.
func NewInvalidLag(lag int) error {
	return fmt.Errorf("lag must be positive, got %d: %w", lag, ErrInvalidLag)
}

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
