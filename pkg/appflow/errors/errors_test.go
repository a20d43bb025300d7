package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type boundaryErr struct{}

func (boundaryErr) Error() string           { return "bad payload" }
func (boundaryErr) ErrorCategory() Category { return CategoryValidation }

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryFatal, "fatal"},
		{CategoryRecoverable, "recoverable"},
		{CategoryValidation, "validation"},
		{CategoryConfiguration, "configuration"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryFatal},
		{"timeout", &TimeoutError{Operation: "gradle", After: time.Minute}, CategoryRecoverable},
		{"validation", &ValidationError{Field: "idea", Message: "required"}, CategoryValidation},
		{"deadline", context.DeadlineExceeded, CategoryRecoverable},
		{"wrapped deadline", fmt.Errorf("build: %w", context.DeadlineExceeded), CategoryRecoverable},
		{"categorized", Recoverable(errors.New("exit 1"), "build"), CategoryRecoverable},
		{"self-categorized", boundaryErr{}, CategoryValidation},
		{"wrapped self-categorized", fmt.Errorf("node: %w", boundaryErr{}), CategoryValidation},
		{"configuration", Configuration(errors.New("bad"), "graph"), CategoryConfiguration},
		{"unknown", errors.New("boom"), CategoryFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("message with context", func(t *testing.T) {
		err := Fatal(errors.New("no devices available"), "select_device")
		if got, want := err.Error(), "select_device: no devices available"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("message without context", func(t *testing.T) {
		err := Fatalf("no %s available", "devices")
		if got, want := err.Error(), "no devices available"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner")
		err := Recoverable(inner, "ctx")
		if !errors.Is(err, inner) {
			t.Error("errors.Is should find the wrapped error")
		}
	})
}

func TestPredicates(t *testing.T) {
	if !IsRecoverable(&TimeoutError{Operation: "x"}) {
		t.Error("timeout should be recoverable")
	}
	if IsRecoverable(errors.New("x")) {
		t.Error("plain error should not be recoverable")
	}
	if !IsFatal(Fatalf("stop")) {
		t.Error("Fatalf should be fatal")
	}
	if IsFatal(Validation(errors.New("x"), "")) {
		t.Error("validation error should not be fatal")
	}
}
