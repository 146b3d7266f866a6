package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Result holds the outcome of Retry.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// Retry calls fn until it succeeds, returns a Permanent error, the policy's
// attempts run out, or ctx ends. onRetry, when set, observes every failure
// that will be retried along with the delay before the next attempt.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	fn func(ctx context.Context, attempt int) (T, error),
	onRetry func(attempt int, err error, next time.Duration),
) (Result[T], error) {
	policy = policy.Normalize()
	var res Result[T]

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			res.Value = value
			res.LastError = nil
			return res, nil
		}
		res.LastError = err
		if IsPermanent(err) {
			return res, errors.Unwrap(err)
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return res, ErrMaxAttemptsExhausted
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return res, err
		}
	}
}
