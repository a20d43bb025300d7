package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/appflow/pkg/appflow"
	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

var errBuild = errors.New("gradle: compilation failed")

// TestAttempt_ExhaustsOnMaxFailure tests that the third failure of three is terminal.
func TestAttempt_ExhaustsOnMaxFailure(t *testing.T) {
	a := Begin(3)
	var decisions []Decision

	for {
		var ok bool
		a, ok = a.Next()
		require.True(t, ok)
		a = a.Fail(errBuild)
		d := Route(a, false)
		decisions = append(decisions, d)
		if d == Exhausted {
			break
		}
		assert.Equal(t, StateRecovering, a.State())
	}

	assert.Equal(t, []Decision{Retry, Retry, Exhausted}, decisions)
	assert.Equal(t, 3, a.Number)
	assert.Equal(t, StateExhausted, a.State())
	assert.Equal(t, errBuild.Error(), a.LastError)
	assert.Zero(t, a.Remaining())

	next, ok := a.Next()
	assert.False(t, ok)
	assert.Equal(t, a, next, "number never exceeds max")
}

// TestAttempt_SuccessOnSecond tests completion mid-budget.
func TestAttempt_SuccessOnSecond(t *testing.T) {
	a := Begin(3)
	a, _ = a.Next()
	a = a.Fail(errBuild)
	require.Equal(t, Retry, Route(a, false))

	a, _ = a.Next()
	assert.Equal(t, StateAttempting, a.State())
	a = a.Succeed()

	assert.Equal(t, Completed, Route(a, true))
	assert.Equal(t, 2, a.Number)
	assert.Equal(t, 1, a.Remaining())
}

// TestBegin_ClampsBudget tests that a budget is at least one attempt.
func TestBegin_ClampsBudget(t *testing.T) {
	a := Begin(0)
	assert.Equal(t, 1, a.Max)

	a, ok := a.Next()
	require.True(t, ok)
	assert.Equal(t, Exhausted, Route(a.Fail(errBuild), false))
}

// TestRouter tests routing from an attempt stored in state.
func TestRouter(t *testing.T) {
	router := Router("attempt", "deploy", "recover", "failed")
	ctx := appflow.NewContext(context.Background())

	tests := []struct {
		name    string
		attempt any
		want    string
	}{
		{"succeeded", Attempt{Number: 2, Max: 3, Outcome: OutcomeSucceeded}, "deploy"},
		{"failed with budget", Attempt{Number: 1, Max: 3, Outcome: OutcomeFailed}, "recover"},
		{"failed last attempt", Attempt{Number: 3, Max: 3, Outcome: OutcomeFailed}, "failed"},
		{"missing", nil, "failed"},
		{"unreadable", "not an attempt", "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{}
			if tt.attempt != nil {
				values["attempt"] = tt.attempt
			}
			s, err := appflow.NewState(values)
			require.NoError(t, err)

			assert.Equal(t, tt.want, router(ctx, s))
		})
	}
}

// TestStrings tests display names.
func TestStrings(t *testing.T) {
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "unknown", Decision(9).String())
}

// TestBackoff tests delay strategies.
func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Constant(2*time.Second).Delay(5))

	exp := Exponential{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 400*time.Millisecond, exp.Delay(3))
	assert.Equal(t, time.Second, exp.Delay(10))

	assert.Equal(t, 4*time.Second, Exponential{Initial: time.Second}.Delay(3), "factor defaults to 2")

	jitter := ExponentialWithJitter{Exponential: exp, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := jitter.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

// TestController_Wait tests waiting between attempts.
func TestController_Wait(t *testing.T) {
	c := Controller{MaxAttempts: 2, Backoff: Constant(time.Millisecond)}
	a := c.Begin()
	assert.Equal(t, 2, a.Max)

	a, _ = a.Next()
	require.NoError(t, c.Wait(context.Background(), a.Fail(errBuild)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Controller{MaxAttempts: 2, Backoff: Constant(time.Hour)}
	assert.ErrorIs(t, slow.Wait(ctx, a), context.Canceled)
}

var fast = Config{MaxAttempts: 3, Backoff: Constant(time.Millisecond)}

// TestDo_SucceedsAfterTransientFailure tests retrying recoverable errors.
func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fast, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", apperrors.Recoverable(errors.New("rate limited"), "invoke")
		}
		return "ok", nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 2, res.Attempts)
}

// TestDo_StopsOnFatal tests that non-retryable errors end immediately.
func TestDo_StopsOnFatal(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fast, func(context.Context) (int, error) {
		calls++
		return 0, errBuild
	})

	assert.ErrorIs(t, res.Err, errBuild)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
}

// TestDo_Exhausted tests running out of attempts.
func TestDo_Exhausted(t *testing.T) {
	res := Do(context.Background(), fast, func(context.Context) (int, error) {
		return 0, &apperrors.TimeoutError{Operation: "invoke", After: time.Second}
	})

	require.Error(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Err.Error(), "max attempts exceeded")
	assert.True(t, apperrors.IsRecoverable(res.Err))
}

// TestDo_CustomRetryable tests overriding the retry check.
func TestDo_CustomRetryable(t *testing.T) {
	cfg := fast
	cfg.Retryable = func(err error) bool { return errors.Is(err, errBuild) }

	res := Do(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, errBuild
	})
	assert.Equal(t, 3, res.Attempts)
}

// TestDo_Cancelled tests that cancellation stops retries.
func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, Backoff: Constant(time.Hour)}

	done := make(chan Result[int], 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context) (int, error) {
			return 0, apperrors.Recoverable(errBuild, "build")
		})
	}()
	cancel()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.LessOrEqual(t, res.Attempts, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not stop after cancellation")
	}
}
