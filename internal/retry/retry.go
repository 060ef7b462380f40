// Package retry provides a bounded retry combinator with exponential backoff.
// It backs both the container resolver's state polling and the login
// workflow's transient-state retry.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Multiplier scales Delay after each retry. Values below 1 mean 1.
	Multiplier float64
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// RetryIf decides whether an error is worth another attempt.
	// Nil retries every error.
	RetryIf func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Wait sleeps for d or until ctx ends. Nil uses a timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// Constant returns a policy that polls every interval for up to bound.
func Constant(interval, bound time.Duration) Policy {
	attempts := 1
	if interval > 0 {
		attempts = int(bound/interval) + 1
	}
	return Policy{Attempts: attempts, Delay: interval, Multiplier: 1}
}

// Exponential returns a policy with the given attempts starting at delay and doubling.
func Exponential(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Multiplier: 2}
}

// Delays lists the waits the policy performs between attempts.
func (p Policy) Delays() []time.Duration {
	if p.Attempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.Attempts-1)
	d := p.Delay
	for i := 1; i < p.Attempts; i++ {
		out = append(out, d)
		d = p.next(d)
	}
	return out
}

func (p Policy) next(d time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	n := time.Duration(float64(d) * m)
	if p.MaxDelay > 0 && n > p.MaxDelay {
		n = p.MaxDelay
	}
	return n
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx ends. Exhaustion returns an error wrapping both
// ErrExhausted and the last error from fn.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Wait
	if wait == nil {
		wait = Sleep
	}

	delay := p.Delay
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return err
		}
		if attempt >= attempts {
			return &exhaustedError{attempts: attempts, last: err}
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if werr := wait(ctx, delay); werr != nil {
			return err
		}
		delay = p.next(delay)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return e.last.Error()
}

func (e *exhaustedError) Unwrap() []error { return []error{ErrExhausted, e.last} }
