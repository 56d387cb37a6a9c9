// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that a Policy stops retrying and returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds how an operation is retried. The zero value runs the
// operation once.
type Policy struct {
	// Attempts is the total number of calls, first one included.
	Attempts int
	// BaseDelay is the wait before the second call. It doubles per retry
	// and is jittered by +-25%.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Retryable limits retries to matching errors. Nil retries every error
	// that is not Permanent.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, returns a permanent or non-retryable
// error, the attempts run out, or ctx is done. fn receives the 1-based
// attempt number. The last error from fn is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return err
		}

		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}

// Backoff returns the jittered wait after the given failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if jitter := int64(d / 4); jitter > 0 {
		d += time.Duration(rand.Int64N(2*jitter+1) - jitter)
	}
	return d
}
