// Package retry provides the explicit retry wrapper used around all remote
// calls: exponential backoff with jitter, a pluggable classifier, and
// support for server-provided Retry-After hints.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"syncbridge/internal/syncerr"
)

// Classifier decides whether an error may be retried.
type Classifier func(error) bool

// Policy defines retry behavior.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
	Classify      Classifier
}

// DefaultPolicy matches the remote-call contract: up to 5 attempts,
// exponential backoff with jitter, retrying only transient/rate-limit kinds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
		Classify:      syncerr.Retryable,
	}
}

// Operation is a unit of retryable work.
type Operation func(ctx context.Context) error

// Do executes op under the policy. A Retry-After hint on the error overrides
// the computed backoff for that attempt.
func Do(ctx context.Context, policy Policy, op Operation) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Classify == nil {
		policy.Classify = syncerr.Retryable
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.Classify(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.delay(attempt)
		if hint := syncerr.RetryAfterOf(err); hint > 0 {
			delay = hint
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// delay computes the backoff for the given attempt with jitter applied.
func (p Policy) delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	jitter := backoff * p.JitterFactor * (rand.Float64() - 0.5) * 2
	d := time.Duration(backoff + jitter)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
