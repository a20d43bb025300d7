package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay to wait after the n-th failed attempt (n >= 1).
type Backoff interface {
	Delay(n int) time.Duration
}

// Constant waits the same duration every time.
type Constant time.Duration

// Delay implements Backoff.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}

// Exponential multiplies Initial by Factor for each further failure,
// capped at Max when Max is set.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration

	// Factor defaults to 2.
	Factor float64
}

// Delay implements Backoff.
func (e Exponential) Delay(n int) time.Duration {
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(e.Initial)
	for i := 1; i < n; i++ {
		d *= factor
		if e.Max > 0 && d >= float64(e.Max) {
			return e.Max
		}
	}
	return time.Duration(d)
}

// ExponentialWithJitter spreads Exponential delays by +/- Jitter (0.0-1.0)
// of each delay.
type ExponentialWithJitter struct {
	Exponential
	Jitter float64
}

// Delay implements Backoff.
func (e ExponentialWithJitter) Delay(n int) time.Duration {
	base := e.Exponential.Delay(n)
	if e.Jitter <= 0 {
		return base
	}
	spread := float64(base) * e.Jitter * (rand.Float64()*2 - 1)
	return max(time.Duration(float64(base)+spread), 0)
}

// DefaultBackoff is used for recovery delays when none is configured.
var DefaultBackoff Backoff = ExponentialWithJitter{
	Exponential: Exponential{Initial: time.Second, Max: 30 * time.Second, Factor: 2},
	Jitter:      0.1,
}

// Controller pairs an attempt budget with the delay between attempts.
type Controller struct {
	MaxAttempts int
	Backoff     Backoff
}

// Begin starts a new request's budget.
func (c Controller) Begin() Attempt {
	return Begin(c.MaxAttempts)
}

// Wait sleeps for the delay after a's latest failure, or until ctx ends.
func (c Controller) Wait(ctx context.Context, a Attempt) error {
	b := c.Backoff
	if b == nil {
		b = DefaultBackoff
	}
	return sleep(ctx, b.Delay(max(a.Number, 1)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
