// Package errs holds the error taxonomy shared by the jobs.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrSourceUnavailable means a market data source could not serve a request.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrDataGap marks a fetch that returned fewer bars than elapsed time implies.
	ErrDataGap = errors.New("data gap")

	// ErrStaleInput means an input freshness marker is older than allowed.
	ErrStaleInput = errors.New("stale input")

	// ErrLockContention means another invocation holds the job claim. Callers
	// treat it as a skipped run.
	ErrLockContention = errors.New("lock contention")

	// ErrDeferred means some of a job's work waits for a later tick. The
	// run neither succeeds nor fails, so the job stays due.
	ErrDeferred = errors.New("deferred")

	// ErrOrderSubmission means an order could not be submitted within the
	// retry budget.
	ErrOrderSubmission = errors.New("order submission failed")

	// ErrReconciliationMismatch means broker state could not be confirmed
	// within the poll budget.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
)

// KeyError tags an error with the key it happened on and the freshness
// marker that was being processed.
type KeyError struct {
	Key    string
	Marker string
	Err    error
}

func (e *KeyError) Error() string {
	if e.Marker == "" {
		return fmt.Sprintf("%s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("%s@%s: %v", e.Key, e.Marker, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Keyed wraps err in a KeyError. It returns nil when err is nil.
func Keyed(key, marker string, err error) error {
	if err == nil {
		return nil
	}
	return &KeyError{Key: key, Marker: marker, Err: err}
}

// Collector gathers per-key failures from concurrent workers.
type Collector struct {
	mu   sync.Mutex
	errs []error
}

// Add records err when it is non-nil.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

// Len returns the number of collected failures.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// Err joins the collected failures, ordered by message so reports are stable.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	out := append([]error(nil), c.errs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Error() < out[j].Error() })
	return errors.Join(out...)
}
