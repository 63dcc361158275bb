package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JobRun is the persisted gate state of one job.
type JobRun struct {
	JobName              string
	LastRunAt            time.Time // zero when never finished
	LastSuccessAt        time.Time // zero when never succeeded
	LastInputFingerprint string
	StartedAt            time.Time // zero when never started
	Runs                 int
	Failures             int
	LastError            string
}

// Running reports whether the last start has no matching finish.
func (r JobRun) Running() bool {
	return !r.StartedAt.IsZero() && r.StartedAt.After(r.LastRunAt)
}

const jobRunColumns = `job_name, last_run_at, last_success_at, last_input_fingerprint,
	started_at, runs, failures, last_error`

// GetJobRun returns the record for job; ok is false when none exists.
func (s *Store) GetJobRun(ctx context.Context, job string) (JobRun, bool, error) {
	r, err := scanJobRun(s.queryRow(ctx, `SELECT `+jobRunColumns+` FROM job_runs WHERE job_name = ?`, job))
	if err == sql.ErrNoRows {
		return JobRun{}, false, nil
	}
	if err != nil {
		return JobRun{}, false, fmt.Errorf("get job run %s: %w", job, err)
	}
	return r, true, nil
}

func (s *Store) ListJobRuns(ctx context.Context) ([]JobRun, error) {
	rows, err := s.query(ctx, `SELECT `+jobRunColumns+` FROM job_runs ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		r, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimJob records that job's body began at now, unless another
// invocation holds it. seenLastRun is the last_run_at the caller decided on
// (zero when there was no record); a run finished since then makes the
// claim fail so the caller re-reads. A start with no finish before
// staleBefore is taken over as abandoned. ok is false when the claim fails.
func (s *Store) ClaimJob(ctx context.Context, job string, now, seenLastRun, staleBefore time.Time) (bool, error) {
	var seen int64
	if !seenLastRun.IsZero() {
		seen = ms(seenLastRun)
	}
	res, err := s.exec(ctx, `
		INSERT INTO job_runs (job_name, started_at) VALUES (?, ?)
		ON CONFLICT (job_name) DO UPDATE SET started_at = excluded.started_at
		WHERE COALESCE(job_runs.last_run_at, 0) = ?
			AND (job_runs.started_at IS NULL
				OR job_runs.started_at <= COALESCE(job_runs.last_run_at, 0)
				OR job_runs.started_at < ?)`,
		job, ms(now), seen, ms(staleBefore))
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", job, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", job, err)
	}
	return n == 1, nil
}

// MarkJobFinished records the end of a run. last_run_at and the counters
// always advance. last_success_at and the input fingerprint advance only on
// success, so a failed run leaves the period due.
func (s *Store) MarkJobFinished(ctx context.Context, job string, now time.Time, success bool, fingerprint, errMsg string) error {
	var err error
	if success {
		_, err = s.exec(ctx, `
			INSERT INTO job_runs (job_name, last_run_at, last_success_at, last_input_fingerprint, runs, last_error)
			VALUES (?, ?, ?, ?, 1, '')
			ON CONFLICT (job_name) DO UPDATE SET
				last_run_at = excluded.last_run_at,
				last_success_at = excluded.last_success_at,
				last_input_fingerprint = excluded.last_input_fingerprint,
				runs = job_runs.runs + 1,
				last_error = ''`,
			job, ms(now), ms(now), fingerprint)
	} else {
		_, err = s.exec(ctx, `
			INSERT INTO job_runs (job_name, last_run_at, runs, failures, last_error)
			VALUES (?, ?, 1, 1, ?)
			ON CONFLICT (job_name) DO UPDATE SET
				last_run_at = excluded.last_run_at,
				runs = job_runs.runs + 1,
				failures = job_runs.failures + 1,
				last_error = excluded.last_error`,
			job, ms(now), errMsg)
	}
	if err != nil {
		return fmt.Errorf("mark job %s finished: %w", job, err)
	}
	return nil
}

// MarkJobDeferred records a run that finished with work left for a later
// tick. Only last_run_at and the run counter advance.
func (s *Store) MarkJobDeferred(ctx context.Context, job string, now time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO job_runs (job_name, last_run_at, runs) VALUES (?, ?, 1)
		ON CONFLICT (job_name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			runs = job_runs.runs + 1`,
		job, ms(now))
	if err != nil {
		return fmt.Errorf("mark job %s deferred: %w", job, err)
	}
	return nil
}

func scanJobRun(r scanner) (JobRun, error) {
	var jr JobRun
	var lastRun, lastSuccess, started sql.NullInt64
	err := r.Scan(&jr.JobName, &lastRun, &lastSuccess, &jr.LastInputFingerprint,
		&started, &jr.Runs, &jr.Failures, &jr.LastError)
	if err != nil {
		return jr, err
	}
	jr.LastRunAt = nullMS(lastRun)
	jr.LastSuccessAt = nullMS(lastSuccess)
	jr.StartedAt = nullMS(started)
	return jr, nil
}
