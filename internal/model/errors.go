package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = eris.New("not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status, including a lost compare-and-set.
	ErrInvalidTransition = eris.New("invalid status transition")
)

// ValidationError reports malformed input to a pipeline stage. It fails the
// artifact without consuming provider quota.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidTransition reports whether err wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
