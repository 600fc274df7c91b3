package executor

import (
	"context"
	"fmt"
	"time"

	"tradepilot/internal/broker"
)

// Policy is a named retry policy applied around a broker call. The engine
// uses exactly two: ExponentialBackoff for mutating operations and
// ImmediateRetry for cheap idempotent reads.
type Policy struct {
	Name       string
	MaxRetries int           // Additional attempts after the first
	BaseDelay  time.Duration // First backoff delay; doubles per attempt
	MaxDelay   time.Duration // Backoff cap
	Backoff    bool          // False means retry immediately
}

// ExponentialBackoff is used for order submission, cancellation and closes:
// wait base * 2^attempt between attempts, capped, up to MaxRetries.
func ExponentialBackoff() Policy {
	return Policy{
		Name:       "exponential_backoff",
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Backoff:    true,
	}
}

// ImmediateRetry is used for read-only queries (positions, order status,
// prices): idempotent and cheap, so retry without waiting.
func ImmediateRetry() Policy {
	return Policy{
		Name:       "immediate_retry",
		MaxRetries: 2,
	}
}

// Do runs fn under the policy. Fatal broker errors fail immediately;
// retryable ones are retried up to MaxRetries; errors with no
// classification get exactly one retry before being treated as fatal.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	unknownRetried := false

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if broker.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		if !broker.IsClassified(err) {
			if unknownRetried {
				return fmt.Errorf("%s: unclassified error persisted after one retry: %w", p.Name, err)
			}
			unknownRetried = true
		}
		if attempt == p.MaxRetries {
			break
		}

		if p.Backoff {
			delay := p.BaseDelay << attempt
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("%s: retries exhausted: %w", p.Name, lastErr)
}
