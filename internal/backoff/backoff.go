// Package backoff computes retry delays for backend calls.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy for exponential backoff. Zero values use defaults.
type Policy struct {
	Initial time.Duration // default: 250ms
	Max     time.Duration // default: 10s
}

// Delay returns the wait before the given retry attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*2, capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	initial := 250 * time.Millisecond
	maxDelay := 10 * time.Second
	if p.Initial > 0 {
		initial = p.Initial
	}
	if p.Max > 0 {
		maxDelay = p.Max
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// Wait blocks for the delay of attempt or until ctx is done.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
