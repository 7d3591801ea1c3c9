// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays with additive jitter.
// The zero value is usable and yields 200ms base, 10s cap, 20% jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the computed delay added at random, 0..1

	// rand returns a value in [0, n). Nil uses math/rand/v2.
	rand func(n int64) int64
}

// NewBackoff builds a Backoff with the given base and cap.
func NewBackoff(base, limit time.Duration) Backoff {
	return Backoff{Base: base, Max: limit, Jitter: 0.2}
}

// WithoutJitter returns a copy that yields deterministic delays.
func (b Backoff) WithoutJitter() Backoff {
	b.Jitter = 0
	return b
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	limit := b.Max
	if limit <= 0 {
		limit = 10 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	wait := base * time.Duration(1<<attempt)
	if wait > limit || wait <= 0 {
		wait = limit
	}

	if b.Jitter > 0 {
		span := int64(float64(wait) * b.Jitter)
		if span > 0 {
			rnd := b.rand
			if rnd == nil {
				rnd = rand.Int64N
			}
			wait += time.Duration(rnd(span + 1))
		}
	}
	return wait
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
