package crawler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// ExponentialRetryPolicy computes re-enqueue delays for transient failures.
type ExponentialRetryPolicy struct {
	initial      time.Duration
	max          time.Duration
	randomFactor float64
}

// NewExponentialRetryPolicy builds a policy; non-positive values fall back to defaults.
func NewExponentialRetryPolicy(initial, maxDelay time.Duration) *ExponentialRetryPolicy {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &ExponentialRetryPolicy{
		initial:      initial,
		max:          maxDelay,
		randomFactor: backoff.DefaultRandomizationFactor,
	}
}

// Backoff returns the delay before the task's next attempt, where attempt is
// the zero-based attempt that just failed.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max
	b.RandomizationFactor = p.randomFactor
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop || delay < 0 {
		return p.max
	}
	return delay
}
