// Bounded retries with constant spacing
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 12
	DefaultDelay       = 10 * time.Second
)

var ErrRetryExhausted = errors.New("retries exhausted")

type RetryExhaustedError struct {
	Attempts int
	Err      error // last failure
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryExhausted.Error(), e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// wrap an error with this to stop retrying right away (the error is returned as-is)
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// called after each failed attempt (attempt starts from 1)
	OnFailure func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

// runs op until it succeeds, at most MaxAttempts times with Delay between attempts
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	var lastErr error
	permanent := false

	err := backoff.Retry(func() error {
		attempts++

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		var permanentErr *backoff.PermanentError
		permanent = errors.As(lastErr, &permanentErr)

		if p.OnFailure != nil {
			p.OnFailure(attempts, lastErr)
		}

		return lastErr
	}, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(maxAttempts-1)),
		ctx))
	switch {
	case err == nil:
		return nil
	case permanent:
		return err // backoff already unwrapped it
	case ctx.Err() != nil:
		return fmt.Errorf("%w (after %d attempts, last: %v)", ctx.Err(), attempts, lastErr)
	default:
		return &RetryExhaustedError{Attempts: attempts, Err: lastErr}
	}
}
