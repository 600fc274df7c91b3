package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradepilot/internal/broker"
)

// fastBackoff mirrors ExponentialBackoff with delays short enough for tests.
func fastBackoff() Policy {
	return Policy{
		Name:       "exponential_backoff",
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Backoff:    true,
	}
}

// TestPolicy_NamedDefaults tests the two named policies' parameters
func TestPolicy_NamedDefaults(t *testing.T) {
	eb := ExponentialBackoff()
	assert.Equal(t, "exponential_backoff", eb.Name)
	assert.Equal(t, 3, eb.MaxRetries)
	assert.True(t, eb.Backoff)

	ir := ImmediateRetry()
	assert.Equal(t, "immediate_retry", ir.Name)
	assert.Equal(t, 2, ir.MaxRetries)
	assert.False(t, ir.Backoff)
}

// TestDo_SucceedsFirstAttempt tests the happy path: one call, no retries
func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastBackoff().Do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// TestDo_RetryableExhaustsRetries tests that retryable failures run the
// full attempt budget: 1 initial + 3 retries
func TestDo_RetryableExhaustsRetries(t *testing.T) {
	calls := 0
	err := fastBackoff().Do(context.Background(), func() error {
		calls++
		return broker.NewRetryable("submit_order", 10006, "rate limit", nil)
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 4, calls)
}

// TestDo_RecoversMidway tests success after transient failures
func TestDo_RecoversMidway(t *testing.T) {
	calls := 0
	err := fastBackoff().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return broker.NewRetryable("submit_order", 10006, "rate limit", nil)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestDo_FatalFailsImmediately tests that fatal failures never retry
func TestDo_FatalFailsImmediately(t *testing.T) {
	calls := 0
	err := fastBackoff().Do(context.Background(), func() error {
		calls++
		return broker.NewFatal("submit_order", 110001, "invalid symbol", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, broker.IsFatal(err))
}

// TestDo_UnclassifiedRetriedOnceThenFatal tests the unknown-error rule:
// exactly one retry, then treated as fatal
func TestDo_UnclassifiedRetriedOnceThenFatal(t *testing.T) {
	calls := 0
	err := fastBackoff().Do(context.Background(), func() error {
		calls++
		return errors.New("something the classifier has never seen")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unclassified error persisted after one retry")
	assert.Equal(t, 2, calls)
}

// TestDo_ImmediateRetryBudget tests the read-policy budget: 1 initial + 2
// retries, no backoff delay
func TestDo_ImmediateRetryBudget(t *testing.T) {
	calls := 0
	start := time.Now()
	err := ImmediateRetry().Do(context.Background(), func() error {
		calls++
		return broker.NewRetryable("get_positions", 10006, "rate limit", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestDo_ContextCancelStopsRetries tests that cancellation wins over the
// retry budget
func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastBackoff().Do(ctx, func() error {
		calls++
		cancel()
		return broker.NewRetryable("submit_order", 10006, "rate limit", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
