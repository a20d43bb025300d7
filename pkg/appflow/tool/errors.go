package tool

import (
	"fmt"

	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

// Phase is the side of a call that failed validation.
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
)

// ValidationError reports a payload that doesn't match its tool's schema.
type ValidationError struct {
	Tool   string
	Phase  Phase
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid %s: %s", e.Tool, e.Phase, e.Detail)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements apperrors.Categorized.
func (e *ValidationError) ErrorCategory() apperrors.Category {
	return apperrors.CategoryValidation
}
