// Package retry implements bounded exponential backoff for calls to
// downstream storage and notification targets.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Initial     time.Duration // delay before the first retry
	Max         time.Duration // cap for growth
	MaxAttempts int           // total attempts including the first one

	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy waits 1s, 2s, 4s, 8s between five attempts.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: 8 * time.Second, MaxAttempts: 5}
}

// NewPolicy builds a policy from raw config fields; zero values fall back to defaults.
func NewPolicy(initial, maxDelay time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry number (1-based: first retry => 1).
func (p Policy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	d := p.Initial
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// TotalDelay is the time Do spends sleeping when every attempt fails.
func (p Policy) TotalDelay() time.Duration {
	var total time.Duration
	for retry := 1; retry < p.MaxAttempts; retry++ {
		total += p.Delay(retry)
	}
	return total
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be >0")
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a permanent error, the attempt budget
// is spent, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, errors.Join(serr, last))
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
