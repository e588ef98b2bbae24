// Package retry is a small retry policy abstraction: max attempts plus a
// backoff schedule, unit-testable independent of the operations it wraps.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMultiplier   = 2.0
	defaultJitterFactor = 0.2
	defaultMaxInterval  = 30 * time.Second
)

// Policy bounds an operation to MaxAttempts tries spaced by the BackOff
// schedule.
type Policy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// Constant returns a policy waiting a fixed interval between attempts.
func Constant(maxAttempts int, interval time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(interval)
		},
	}
}

// Exponential returns a policy with jittered exponential spacing.
func Exponential(maxAttempts int, initial time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.Multiplier = defaultMultiplier
			b.RandomizationFactor = defaultJitterFactor
			b.MaxInterval = defaultMaxInterval
			b.Reset()
			return b
		},
	}
}

// Immediate returns a policy that retries without waiting.
func Immediate(maxAttempts int) Policy {
	return Constant(maxAttempts, 0)
}

// Permanent wraps err so Do stops retrying and returns it as-is.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op up to MaxAttempts times, passing the 1-based attempt number.
// It stops early on success, on a Permanent error, or when ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	}
	// WithContext must be outermost so Retry sees the context and stops
	// waiting on cancellation.
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		return op(attempt)
	}, b)
}
