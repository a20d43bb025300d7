package retry

import (
	"context"
	"time"

	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

// Config configures Do.
type Config struct {
	// MaxAttempts is the maximum number of calls, including the first.
	MaxAttempts int

	// Backoff spaces the calls. Default: DefaultBackoff
	Backoff Backoff

	// Retryable decides whether an error is worth another call.
	// Default: errors categorized as recoverable.
	Retryable func(error) bool
}

// DefaultConfig suits flaky external calls.
var DefaultConfig = Config{
	MaxAttempts: 3,
	Backoff:     DefaultBackoff,
}

// Result contains the outcome of Do.
type Result[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if every call failed.
	Err error

	// Attempts is the number of calls made.
	Attempts int

	// Duration is the total time spent.
	Duration time.Duration
}

// Do calls fn until it succeeds, returns an error Retryable rejects, the
// attempts run out, or ctx ends. Use it for transient failures inside a
// node; failures that need a recovery step belong in an Attempt.
func Do[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) Result[T] {
	start := time.Now()
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = apperrors.IsRecoverable
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[T]{
				Err:      apperrors.Fatal(err, "context cancelled"),
				Attempts: attempt - 1,
				Duration: time.Since(start),
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return Result[T]{Value: value, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if !retryable(err) {
			return Result[T]{Err: err, Attempts: attempt, Duration: time.Since(start)}
		}

		if attempt < attempts {
			if err := sleep(ctx, backoff.Delay(attempt)); err != nil {
				return Result[T]{
					Err:      apperrors.Fatal(err, "context cancelled during backoff"),
					Attempts: attempt,
					Duration: time.Since(start),
				}
			}
		}
	}

	return Result[T]{
		Err:      apperrors.NewCategorized(lastErr, apperrors.Categorize(lastErr), "max attempts exceeded"),
		Attempts: attempts,
		Duration: time.Since(start),
	}
}
