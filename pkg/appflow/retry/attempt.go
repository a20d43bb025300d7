// Package retry bounds how many times a failing build step is attempted.
//
// An Attempt lives in workflow state so it survives checkpoints. Attempt
// numbers count attempts started: with Max 3 the third failure exhausts
// the budget, and a success on the second attempt completes with Number 2.
// Begin resets the count and is only called for a new request, never
// between attempts of the same one.
package retry

import (
	"github.com/randalmurphal/appflow/pkg/appflow"
)

// Outcome is the result of the current attempt.
type Outcome string

const (
	OutcomePending   Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Attempt tracks one request's attempts.
type Attempt struct {
	Number    int     `json:"number"`
	Max       int     `json:"max"`
	Outcome   Outcome `json:"outcome,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Begin returns a fresh budget of n attempts. n below 1 is treated as 1.
func Begin(n int) Attempt {
	return Attempt{Max: max(n, 1)}
}

// Next starts another attempt. It returns false, leaving a unchanged, when
// the budget is spent.
func (a Attempt) Next() (Attempt, bool) {
	if a.Number >= a.Max {
		return a, false
	}
	a.Number++
	a.Outcome = OutcomePending
	return a, true
}

// Fail records the current attempt's failure.
func (a Attempt) Fail(err error) Attempt {
	a.Outcome = OutcomeFailed
	if err != nil {
		a.LastError = err.Error()
	}
	return a
}

// Succeed records the current attempt's success.
func (a Attempt) Succeed() Attempt {
	a.Outcome = OutcomeSucceeded
	return a
}

// Remaining returns how many attempts can still be started.
func (a Attempt) Remaining() int {
	return max(a.Max-a.Number, 0)
}

// Decision is where a finished attempt leads.
type Decision int

const (
	Completed Decision = iota
	Retry
	Exhausted
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Completed:
		return "completed"
	case Retry:
		return "retry"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Route decides what follows an attempt.
func Route(a Attempt, succeeded bool) Decision {
	switch {
	case succeeded:
		return Completed
	case a.Number >= a.Max:
		return Exhausted
	default:
		return Retry
	}
}

// State is the controller's position in the recovery loop.
type State int

const (
	StateAttempting State = iota
	StateRecovering
	StateExhausted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateRecovering:
		return "recovering"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// State reports where a sits in the loop. StateExhausted is terminal.
func (a Attempt) State() State {
	if a.Outcome != OutcomeFailed {
		return StateAttempting
	}
	if a.Number >= a.Max {
		return StateExhausted
	}
	return StateRecovering
}

// Router builds a router over the attempt stored in state field key.
// A missing or unreadable attempt routes to onExhausted.
func Router(key, onSuccess, onRetry, onExhausted string) appflow.RouterFunc {
	return func(ctx appflow.Context, s appflow.State) string {
		var a Attempt
		ok, err := s.Decode(key, &a)
		if !ok || err != nil {
			ctx.Logger().Warn("no build attempt in state",
				"field", key,
				"error", err,
			)
			return onExhausted
		}

		switch Route(a, a.Outcome == OutcomeSucceeded) {
		case Completed:
			return onSuccess
		case Retry:
			return onRetry
		default:
			return onExhausted
		}
	}
}
