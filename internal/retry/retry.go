// Package retry wraps sethvargo/go-retry with the exponential backoff and
// permanent-error conventions used for snapshot refetches.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 5 * time.Second

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. baseDelay doubles on each retry with
// 25% jitter, capped at MaxDelay. It stops early on success, on a
// *PermanentError (whose inner error is returned), or when ctx is done.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}

	b := goretry.NewExponential(baseDelay)
	b = goretry.WithJitterPercent(25, b)
	b = goretry.WithCappedDuration(MaxDelay, b)
	b = goretry.WithMaxRetries(uint64(maxAttempts-1), b)

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe
		}
		return goretry.RetryableError(err)
	})

	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
