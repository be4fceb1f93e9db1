package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrExhausted is returned when every attempt allowed by a Policy failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how many times an operation runs and how long to wait between runs.
type Policy struct {
	// MaxAttempts is the total number of attempts (0 = unlimited)
	MaxAttempts int
	// Delay is the wait before the second attempt
	Delay time.Duration
	// MaxDelay caps the wait when Exponential is set
	MaxDelay time.Duration
	// Exponential doubles the delay after each failure
	Exponential bool
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Backoff returns an exponential policy.
//
// Default schedule with (5, 1s, 30s): 1s, 2s, 4s, 8s, 16s.
func Backoff(attempts int, delay, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay:       delay,
		MaxDelay:    maxDelay,
		Exponential: true,
	}
}

// DelayFor returns the wait after the given failed attempt (1-based).
//
// Formula for exponential policies: delay = Delay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !p.Exponential {
		return p.Delay
	}

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.Delay * time.Duration(1<<uint(shift))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Permanent wraps an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is cancelled. The wait happens only between attempts.
//
// counter, when non-nil, is incremented once per failed attempt.
func Do(ctx context.Context, p Policy, fn Func, counter *atomic.Uint32) error {
	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if counter != nil {
			counter.Add(1)
		}
		if IsPermanent(err) {
			return err
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}

		delay := p.DelayFor(attempt)
		slog.Debug("retry: attempt failed, waiting",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
