// Package retry runs an operation under an exponential backoff policy.
// Notification sinks use it to ride out transient delivery failures.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds how an operation is retried. BaseDelay doubles after each
// failed attempt, with +-25% jitter, and never exceeds MaxDelay when set.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// DelayError asks Do to wait at least Delay before the next attempt, as a
// server's Retry-After header does.
type DelayError struct {
	Err   error
	Delay time.Duration
}

func (e *DelayError) Error() string { return e.Err.Error() }
func (e *DelayError) Unwrap() error { return e.Err }

// After wraps err with a minimum wait before the next attempt.
func After(err error, d time.Duration) error {
	return &DelayError{Err: err, Delay: d}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. fn receives the 1-based attempt number. Do reports how
// many attempts were made and the last error, unwrapped from Permanent and
// After.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return attempt, pe.Err
		}
		wait := jitter(delay)
		var de *DelayError
		if errors.As(err, &de) {
			err = de.Err
			wait = max(wait, de.Delay)
		}
		if p.MaxDelay > 0 {
			wait = min(wait, p.MaxDelay)
		}

		if attempt == attempts {
			return attempt, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 4
	return d - spread + rand.N(2*spread+1)
}
