package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	deploy "github.com/rs-cuongph/my-deploy-tool"
)

// RetryExhaustedError is returned when an operation kept failing transiently
// until the attempt budget ran out. It wraps the last transient cause.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Op, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// Retry runs op up to maxAttempts times, waiting baseDelay * attemptNumber
// between attempts (linear backoff). Only errors classified as transient are
// retried; a permanent error aborts immediately without consuming the
// remaining attempts.
func Retry(ctx context.Context, logger *slog.Logger, name string, maxAttempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !deploy.Transient(err) {
			return err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := baseDelay * time.Duration(attempt)
		logger.Warn("job.Retry: Attempt failed, retrying",
			"op", name,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &RetryExhaustedError{
		Op:       name,
		Attempts: maxAttempts,
		LastErr:  lastErr,
	}
}
