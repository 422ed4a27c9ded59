package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("resource not found")
	ErrConflict  = errors.New("resource conflict")
	ErrInvalid   = errors.New("invalid input")
	ErrIntegrity = errors.New("data integrity violation")
)

// ValidationError reports malformed input. Jobs rejected with it are never processed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DataIntegrityError marks stored or derived data that breaks an invariant.
type DataIntegrityError struct {
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return "data integrity: " + e.Reason
}

func (e *DataIntegrityError) Unwrap() error {
	return ErrIntegrity
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
