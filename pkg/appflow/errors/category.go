// Package errors classifies workflow failures so routers and the executor
// can tell a failure worth another attempt from one that must end the thread.
//
// The taxonomy has four categories:
//   - Configuration: graph topology mistakes, caught before any run
//   - Validation: malformed payloads at the tool boundary
//   - Recoverable: build failures and timeouts, routed through retry
//   - Fatal: node-reported conditions that short-circuit to the failure node
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryFatal ends the thread immediately, bypassing retry logic.
	// Unknown errors fall here.
	CategoryFatal Category = iota

	// CategoryRecoverable indicates another attempt may succeed.
	// Examples: build failure, process timeout.
	CategoryRecoverable

	// CategoryValidation indicates a payload did not match its declared schema.
	CategoryValidation

	// CategoryConfiguration indicates a graph or settings mistake.
	CategoryConfiguration
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFatal:
		return "fatal"
	case CategoryRecoverable:
		return "recoverable"
	case CategoryValidation:
		return "validation"
	case CategoryConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Categorized is implemented by errors that know their own category.
// Packages that define boundary errors (tool validation, for example)
// implement it instead of importing this package's concrete types.
type Categorized interface {
	ErrorCategory() Category
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Context, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements Categorized.
func (e *CategorizedError) ErrorCategory() Category {
	return e.Category
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Fatal creates a fatal workflow error, e.g. "no devices available".
func Fatal(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryFatal, context)
}

// Fatalf creates a fatal workflow error from a format string.
func Fatalf(format string, args ...any) *CategorizedError {
	return NewCategorized(fmt.Errorf(format, args...), CategoryFatal, "")
}

// Recoverable creates a recoverable error.
func Recoverable(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryRecoverable, context)
}

// Validation creates a validation error.
func Validation(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryValidation, context)
}

// Configuration creates a configuration error.
func Configuration(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryConfiguration, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryFatal // shouldn't happen, fail safe
	}

	var cat Categorized
	if errors.As(err, &cat) {
		return cat.ErrorCategory()
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryRecoverable
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRecoverable
	}

	return CategoryFatal
}

// IsRecoverable reports whether another attempt might succeed.
func IsRecoverable(err error) bool {
	return Categorize(err) == CategoryRecoverable
}

// IsFatal reports whether the error must end the thread.
func IsFatal(err error) bool {
	return Categorize(err) == CategoryFatal
}
