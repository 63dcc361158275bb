// Package gate decides on every scheduler tick whether a job's real work is
// due, and makes each job single-flight across overlapping invocations.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/sirupsen/logrus"
)

// Policy is a job's execution cadence, independent of how often it is
// invoked.
type Policy struct {
	// Period is the minimum time between successful runs.
	Period time.Duration
	// NotBefore, when set, anchors runs to a daily local time of day
	// ("HH:MM"). The job is due once per day after that time.
	NotBefore string
	Location  *time.Location
}

// Validate reports malformed policies.
func (p Policy) Validate() error {
	if p.Period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	if p.NotBefore != "" {
		if _, err := time.Parse("15:04", p.NotBefore); err != nil {
			return fmt.Errorf("not_before %q: want HH:MM", p.NotBefore)
		}
		if p.Period != 24*time.Hour {
			return fmt.Errorf("not_before requires a 24h period")
		}
	}
	return nil
}

// Anchor returns the latest NotBefore boundary at or before now.
func (p Policy) Anchor(now time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	tod, _ := time.Parse("15:04", p.NotBefore)
	local := now.In(loc)
	anchor := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)
	if anchor.After(now) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor
}

// Due applies the policy to a job's last success. A zero lastSuccess means
// the job never succeeded.
func (p Policy) Due(now, lastSuccess time.Time) bool {
	if lastSuccess.IsZero() {
		return true
	}
	if p.NotBefore != "" {
		return lastSuccess.Before(p.Anchor(now))
	}
	return now.Sub(lastSuccess) >= p.Period
}

// SkipReason explains why a tick did no work.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipNotDue    SkipReason = "not due"
	SkipBusy      SkipReason = "already running"
	SkipUnchanged SkipReason = "inputs unchanged"
)

// Job is one gated unit of work.
type Job struct {
	Name   string
	Policy Policy
	// Timeout bounds the body so a stuck call cannot hold the job lock.
	Timeout time.Duration
	// Fingerprint, when set, summarises the job's inputs. A due run whose
	// fingerprint equals the last successful one is skipped.
	Fingerprint func(ctx context.Context) (string, error)
	Body        func(ctx context.Context, now time.Time) error
}

// Outcome reports one tick.
type Outcome struct {
	Job     string
	Ran     bool
	Skipped SkipReason
	// Deferred is set when the body left work for a later tick. Err is
	// nil and the job stays due.
	Deferred bool
	Err      error
	Duration time.Duration
}

// DefaultClaimTTL is how long an unfinished start holds a job with no
// Timeout before another invocation may take it over.
const DefaultClaimTTL = time.Hour

// Coordinator owns the JobRunRecords.
type Coordinator struct {
	store  *store.Store
	locker Locker
	log    *logrus.Entry
}

// New returns a Coordinator. Each run is claimed in the job_runs table, so
// invocations sharing a database are single-flight. An in-process lock
// always guards each job; extra lockers (file, redis) hold it before the
// database is touched.
func New(s *store.Store, log *logrus.Entry, extra ...Locker) *Coordinator {
	c := chain{&LocalLocker{}}
	for _, l := range extra {
		if l != nil {
			c = append(c, l)
		}
	}
	return &Coordinator{store: s, locker: c, log: log.WithField("component", "gate")}
}

// ShouldRun reports whether the job is due at now under policy.
func (c *Coordinator) ShouldRun(ctx context.Context, job string, policy Policy, now time.Time) (bool, error) {
	rec, ok, err := c.store.GetJobRun(ctx, job)
	if err != nil {
		return false, err
	}
	if !ok {
		return policy.Due(now, time.Time{}), nil
	}
	return policy.Due(now, rec.LastSuccessAt), nil
}

// MarkStarted claims job for a run starting at now. It fails with
// errs.ErrLockContention while another invocation holds the job.
func (c *Coordinator) MarkStarted(ctx context.Context, job string, now time.Time) error {
	rec, _, err := c.store.GetJobRun(ctx, job)
	if err != nil {
		return err
	}
	return c.claim(ctx, job, now, rec.LastRunAt, DefaultClaimTTL)
}

func (c *Coordinator) claim(ctx context.Context, job string, now, seenLastRun time.Time, ttl time.Duration) error {
	ok, err := c.store.ClaimJob(ctx, job, now, seenLastRun, now.Add(-ttl))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", job, errs.ErrLockContention)
	}
	return nil
}

// MarkFinished closes a run. A failed run advances last_run_at only.
func (c *Coordinator) MarkFinished(ctx context.Context, job string, now time.Time, success bool, fingerprint string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return c.store.MarkJobFinished(ctx, job, now, success, fingerprint, msg)
}

// Run executes one tick of job: lock, re-check due, run, record.
// Contention and "not due" are outcomes with a nil error.
func (c *Coordinator) Run(ctx context.Context, job Job, now time.Time) Outcome {
	log := c.log.WithField("job", job.Name)
	out := Outcome{Job: job.Name}
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	unlock, ok, err := c.locker.TryLock(ctx, job.Name)
	if err != nil {
		out.Err = fmt.Errorf("%s: lock: %w", job.Name, err)
		log.WithError(err).Error("could not take job lock")
		return out
	}
	if !ok {
		out.Skipped = SkipBusy
		log.Info("skipped: another invocation holds the job lock")
		return out
	}
	defer unlock()

	rec, _, err := c.store.GetJobRun(ctx, job.Name)
	if err != nil {
		out.Err = fmt.Errorf("%s: %w", job.Name, err)
		return out
	}
	if !job.Policy.Due(now, rec.LastSuccessAt) {
		out.Skipped = SkipNotDue
		log.WithField("last_success_at", rec.LastSuccessAt).Debug("skipped: not due")
		return out
	}

	fingerprint := ""
	if job.Fingerprint != nil {
		fingerprint, err = job.Fingerprint(ctx)
		if err != nil {
			out.Err = fmt.Errorf("%s: fingerprint: %w", job.Name, err)
			return out
		}
		if fingerprint != "" && fingerprint == rec.LastInputFingerprint && !rec.LastSuccessAt.IsZero() {
			out.Skipped = SkipUnchanged
			log.WithField("fingerprint", fingerprint).Info("skipped: inputs unchanged since last success")
			return out
		}
	}

	ttl := DefaultClaimTTL
	if job.Timeout > 0 {
		ttl = job.Timeout + time.Minute
	}
	if err := c.claim(ctx, job.Name, now, rec.LastRunAt, ttl); err != nil {
		if errors.Is(err, errs.ErrLockContention) {
			out.Skipped = SkipBusy
			log.Info("skipped: another invocation has claimed the job")
			return out
		}
		out.Err = fmt.Errorf("%s: %w", job.Name, err)
		return out
	}
	log.WithField("fingerprint", fingerprint).Info("job started")

	bctx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	runErr := job.Body(bctx, now)
	out.Ran = true
	out.Err = runErr

	// Record the outcome even when the caller's context is gone.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if errors.Is(runErr, errs.ErrDeferred) {
		out.Err = nil
		out.Deferred = true
		if err := c.store.MarkJobDeferred(mctx, job.Name, now); err != nil {
			log.WithError(err).Error("could not record job outcome")
			out.Err = err
		}
		log.WithField("reason", runErr.Error()).Info("job deferred; it stays due")
		return out
	}
	if err := c.MarkFinished(mctx, job.Name, now, runErr == nil, fingerprint, runErr); err != nil {
		log.WithError(err).Error("could not record job outcome")
		if out.Err == nil {
			out.Err = err
		}
	}

	if runErr != nil {
		log.WithError(runErr).Error("job failed")
	} else {
		log.Info("job finished")
	}
	return out
}
