// Package hypnos provides the idle backoff used by blocking dequeue
// loops: short sleeps that double on consecutive empty polls and reset
// as soon as work arrives, keeping latency low without hammering Redis.
package hypnos

import (
	"context"
	"time"
)

// Default sleep bounds for an idle dequeue loop.
const (
	DefaultMinSleep = 50 * time.Millisecond
	DefaultMaxSleep = 250 * time.Millisecond
)

// Backoff tracks the sleep duration between empty polls. It is not safe
// for concurrent use; each polling loop owns its own instance.
type Backoff struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a Backoff sleeping between min and max. Non-positive
// bounds fall back to the defaults.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMinSleep
	}
	if max < min {
		max = DefaultMaxSleep
		if max < min {
			max = min
		}
	}
	return &Backoff{min: min, max: max, current: min}
}

// Next returns the duration to sleep now and doubles the next one, up to
// the configured cap.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Wait sleeps for the next backoff interval or until the context is done,
// whichever comes first.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset returns the sleep interval to its minimum. Called after a poll
// that produced work.
func (b *Backoff) Reset() {
	b.current = b.min
}
