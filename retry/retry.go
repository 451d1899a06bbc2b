// Package retry is a general-purpose retry helper with two backoff shapes,
// "linear" and "exponential", adapted from the bus's generic retry helper.
// The worker reuses its Backoff constants but computes its own delays
// (worker.backoffDelay), whose linear shape is a constant delay rather than
// the growing one Policy uses here.
package retry

import (
	"context"
	"time"
)

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Backoff selects how delay grows between attempts.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy configures Do's attempt/backoff behavior.
type Policy struct {
	MaxAttempts   int           // max attempts including the first
	InitialDelay  time.Duration // delay before the first retry
	Backoff       Backoff       // linear or exponential growth
	BackoffFactor float64       // exponential multiplier, or per-attempt increment for linear
	MaxDelay      time.Duration // upper bound on any single delay
}

// DefaultPolicy mirrors the bus's historical default: two attempts,
// exponential backoff starting at 2ms, capped at 1s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   2,
		InitialDelay:  2 * time.Millisecond,
		Backoff:       BackoffExponential,
		BackoffFactor: 2.0,
		MaxDelay:      1 * time.Second,
	}
}

// delayFor returns the backoff delay to wait after the given attempt
// (1-indexed, the attempt that just failed) before the next one runs,
// capped at MaxDelay.
func (p Policy) delayFor(attempt int) time.Duration {
	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = p.InitialDelay + time.Duration(float64(attempt-1)*p.BackoffFactor*float64(time.Millisecond))
	default:
		delay = time.Duration(float64(p.InitialDelay) * pow(p.BackoffFactor, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs op, retrying per policy until it succeeds, the context is
// cancelled, or attempts are exhausted, in which case the last error is
// returned.
func Do(ctx context.Context, op Operation, policy Policy) error {
	return DoWithInfo(ctx, func(ctx context.Context, _ int) error { return op(ctx) }, policy)
}

// OperationWithInfo is an Operation that also receives the current
// (1-indexed) attempt number.
type OperationWithInfo func(ctx context.Context, attempt int) error

// DoWithInfo is Do, passing the attempt number through to op.
func DoWithInfo(ctx context.Context, op OperationWithInfo, policy Policy) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := op(ctx, attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < policy.MaxAttempts {
			select {
			case <-time.After(policy.delayFor(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// pow is a small integer-exponent power, avoiding a math import for the
// one call site that needs it.
func pow(base, exp float64) float64 {
	if exp <= 0 {
		return 1
	}
	result := base
	for i := 1; i < int(exp); i++ {
		result *= base
	}
	return result
}
