package delivery

import (
	"context"
	"fmt"
	"time"
)

// RetryFunc runs one attempt. attempt starts at 1.
type RetryFunc func(ctx context.Context, attempt int) error

// RetryNotify is called before waiting for the next attempt
type RetryNotify func(attempt int, err error, wait time.Duration)

// RetryWithBackoff runs fn until it succeeds, returns a non-retryable error,
// or policy.MaxAttempts is reached. It returns the number of attempts made.
//
// Exhausted retries wrap ErrRetriesExhausted and the last error. When ctx is
// done while waiting, the pending retry is abandoned and the returned error
// wraps ErrRetryAbandoned and the context cause.
func RetryWithBackoff(ctx context.Context, policy Policy, fn RetryFunc, notify RetryNotify) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return attempt, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		wait := policy.Backoff(attempt)
		if notify != nil {
			notify(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetryAbandoned, attempt, context.Cause(ctx))
		case <-timer.C:
		}
	}

	return policy.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, policy.MaxAttempts, lastErr)
}
