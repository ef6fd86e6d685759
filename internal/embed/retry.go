package embed

import (
	"context"
	"time"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// retryBaseDelay is the initial backoff delay; it doubles per attempt.
const retryBaseDelay = 500 * time.Millisecond

// withRetry runs fn up to maxAttempts times with exponential backoff.
// Context cancellation aborts the wait immediately, as does a structured
// error marked non-retryable.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if fatherrors.GetCode(lastErr) != "" && !fatherrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
