// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. Attempt i (zero based) waits
// min(Initial*Multiplier^(i-1), Max) before running.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Timeout bounds each attempt. Zero leaves attempts unbounded.
	Timeout time.Duration
	// Retryable decides whether a failed attempt may be repeated. A nil
	// function retries every error.
	Retryable func(error) bool
}

// Backoff returns the delay before the given attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Do runs f until it succeeds, returns a non-retryable error or the attempt
// budget is spent. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, f func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := Sleep(ctx, p.Backoff(i)); serr != nil {
				return i, errors.Join(err, serr)
			}
		}

		err = p.run(ctx, f, i)
		if err == nil {
			return i + 1, nil
		}
		if ctx.Err() != nil {
			return i + 1, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return i + 1, err
		}
	}
	return attempts, err
}

func (p Policy) run(ctx context.Context, f func(context.Context, int) error, attempt int) error {
	if p.Timeout <= 0 {
		return f(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return f(actx, attempt)
}
