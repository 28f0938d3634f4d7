package shared

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy is an explicit retry schedule with exponential backoff
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// ShouldRetry overrides IsRetryableError when set
	ShouldRetry func(error) bool
}

// Attempt describes the current try passed to the retried operation
type Attempt struct {
	Number int
	Final  bool
}

// Delay returns the backoff after the given failed attempt (1-based)
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	if p.BaseDelay <= 0 || failedAttempt < 1 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(failedAttempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return IsRetryableError(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, ctx ends, or the budget is spent.
// It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, operationName string, fn func(ctx context.Context, attempt Attempt) error) (int, error) {
	maxAttempts := p.attempts()
	var lastErr error

	for n := 1; n <= maxAttempts; n++ {
		lastErr = fn(ctx, Attempt{Number: n, Final: n == maxAttempts})
		if lastErr == nil {
			return n, nil
		}
		if ctx.Err() != nil || !p.retryable(lastErr) {
			return n, lastErr
		}
		if n == maxAttempts {
			break
		}

		delay := p.Delay(n)
		logrus.WithFields(logrus.Fields{
			"component": "RetryPolicy",
			"operation": operationName,
			"attempt":   n,
			"max":       maxAttempts,
			"backoff":   delay,
		}).WithError(lastErr).Warn("Attempt failed, retrying")

		if err := Sleep(ctx, delay); err != nil {
			return n, err
		}
	}

	return maxAttempts, fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}
