package worker

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry attempt: exponential growth
// from Base by Multiplier, capped at Cap, with bounded random jitter.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration
	// Multiplier is the growth factor per attempt. 2.0 doubles each time.
	Multiplier float64
	// Jitter adds up to ±Jitter fraction of randomness. 0.1 is ±10%.
	Jitter float64
}

// DefaultBackoff returns the engine defaults: 1s base, 30s cap, doubling,
// ±10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Cap:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Duration returns the delay before the given retry attempt. Attempt 1 is
// the first retry.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(base) * math.Pow(mult, float64(attempt-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}

// Sleep waits the attempt's delay or until ctx is canceled.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
