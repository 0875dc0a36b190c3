package resilience

import (
	"context"
	"time"

	apperrors "autoppm/internal/errors"
)

// Retry re-runs an operation after retryable failures.
type Retry struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// SingleRetry allows exactly one retry after a short pause.
func SingleRetry(delay time.Duration) Retry {
	return Retry{MaxAttempts: 2, InitialDelay: delay, MaxDelay: delay, BackoffFactor: 1}
}

// RetryResult runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. It returns the number of attempts made.
func RetryResult[T any](ctx context.Context, r Retry, fn func(attempt int) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	delay := r.InitialDelay
	attempts := max(r.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt, err
		}
		v, err := fn(attempt)
		if err == nil {
			return v, attempt + 1, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) || attempt == attempts-1 {
			return v, attempt + 1, err
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempt + 1, ctx.Err()
			case <-timer.C:
			}
		}
		if r.BackoffFactor > 1 {
			delay = time.Duration(float64(delay) * r.BackoffFactor)
		}
		if r.MaxDelay > 0 && delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
	return zero, attempts, lastErr
}
