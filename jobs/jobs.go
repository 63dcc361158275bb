// Package jobs wires the updater, evaluator and reconciler behind the run
// gate. Each job's RunTick is what a scheduler invokes.
package jobs

import (
	"context"
	"time"

	"github.com/rustyeddy/jobtrader/evaluator"
	"github.com/rustyeddy/jobtrader/gate"
	"github.com/rustyeddy/jobtrader/ohlc"
	"github.com/rustyeddy/jobtrader/reconcile"
)

// Job names as recorded in job_runs.
const (
	UpdateOHLC       = "update_ohlc"
	UpdateStrategy   = "update_strategy"
	PositionAndOrder = "position_and_order"
)

// Schedule is a job's gate policy and body timeout.
type Schedule struct {
	Policy  gate.Policy
	Timeout time.Duration
}

// Result is one tick of one job. Skipped runs have a nil Err.
type Result struct {
	gate.Outcome
	// Summary holds per-job counters for logs and status output.
	Summary map[string]int
}

// OK reports whether the tick did not fail.
func (r Result) OK() bool { return r.Err == nil }

type Runner interface {
	Name() string
	RunTick(ctx context.Context, now time.Time) Result
}

// OHLC runs the updater over the configured targets.
type OHLC struct {
	gate     *gate.Coordinator
	updater  *ohlc.Updater
	targets  []ohlc.Target
	schedule Schedule
}

func NewOHLC(g *gate.Coordinator, u *ohlc.Updater, targets []ohlc.Target, s Schedule) *OHLC {
	return &OHLC{gate: g, updater: u, targets: targets, schedule: s}
}

func (j *OHLC) Name() string { return UpdateOHLC }

func (j *OHLC) RunTick(ctx context.Context, now time.Time) Result {
	var report ohlc.Report
	out := j.gate.Run(ctx, gate.Job{
		Name:    UpdateOHLC,
		Policy:  j.schedule.Policy,
		Timeout: j.schedule.Timeout,
		Body: func(ctx context.Context, now time.Time) error {
			var err error
			report, err = j.updater.Run(ctx, j.targets, now)
			return err
		},
	}, now)

	res := Result{Outcome: out}
	if out.Ran {
		res.Summary = map[string]int{"pairs": len(report.Pairs), "failed": len(report.Failed())}
		for _, p := range report.Pairs {
			res.Summary["inserted"] += p.Upsert.Inserted
			res.Summary["updated"] += p.Upsert.Updated
			res.Summary["gaps"] += len(p.Gaps)
		}
	}
	return res
}

// Strategy runs the evaluator once fresher candles exist.
type Strategy struct {
	gate      *gate.Coordinator
	evaluator *evaluator.Evaluator
	schedule  Schedule
}

func NewStrategy(g *gate.Coordinator, e *evaluator.Evaluator, s Schedule) *Strategy {
	return &Strategy{gate: g, evaluator: e, schedule: s}
}

func (j *Strategy) Name() string { return UpdateStrategy }

func (j *Strategy) RunTick(ctx context.Context, now time.Time) Result {
	var report evaluator.Report
	out := j.gate.Run(ctx, gate.Job{
		Name:        UpdateStrategy,
		Policy:      j.schedule.Policy,
		Timeout:     j.schedule.Timeout,
		Fingerprint: j.evaluator.Fingerprint,
		Body: func(ctx context.Context, now time.Time) error {
			var err error
			report, err = j.evaluator.Run(ctx, now)
			return err
		},
	}, now)

	res := Result{Outcome: out}
	if out.Ran {
		res.Summary = map[string]int{"keys": len(report.Results), "inserted": report.Inserted()}
		for _, r := range report.Results {
			if r.Err != nil {
				res.Summary["failed"]++
			}
			switch r.Skipped {
			case evaluator.InsufficientHistory, evaluator.NoData:
				res.Summary["no_signal"]++
			case evaluator.BeforeForecastTime:
				res.Summary["waiting"]++
			}
		}
	}
	return res
}

// Orders runs the reconciler.
type Orders struct {
	gate       *gate.Coordinator
	reconciler *reconcile.Reconciler
	schedule   Schedule
}

func NewOrders(g *gate.Coordinator, r *reconcile.Reconciler, s Schedule) *Orders {
	return &Orders{gate: g, reconciler: r, schedule: s}
}

func (j *Orders) Name() string { return PositionAndOrder }

func (j *Orders) RunTick(ctx context.Context, now time.Time) Result {
	var report reconcile.Report
	out := j.gate.Run(ctx, gate.Job{
		Name:        PositionAndOrder,
		Policy:      j.schedule.Policy,
		Timeout:     j.schedule.Timeout,
		Fingerprint: j.reconciler.Fingerprint,
		Body: func(ctx context.Context, now time.Time) error {
			var err error
			report, err = j.reconciler.Run(ctx, now)
			return err
		},
	}, now)

	res := Result{Outcome: out}
	if out.Ran {
		res.Summary = map[string]int{"keys": len(report.Results)}
		for _, a := range []reconcile.Action{
			reconcile.Submitted, reconcile.Filled, reconcile.Rejected, reconcile.Cancelled,
			reconcile.InFlight, reconcile.BelowThreshold, reconcile.Blocked, reconcile.Waiting,
			reconcile.Stale, reconcile.Failed,
		} {
			if n := report.Count(a); n > 0 {
				res.Summary[string(a)] = n
			}
		}
	}
	return res
}

// Tick runs each job once, in order. A failing job does not stop the
// later ones; each consumes whatever its inputs currently hold.
func Tick(ctx context.Context, now time.Time, runners ...Runner) []Result {
	out := make([]Result, 0, len(runners))
	for _, r := range runners {
		if ctx.Err() != nil {
			out = append(out, Result{Outcome: gate.Outcome{Job: r.Name(), Err: ctx.Err()}})
			continue
		}
		out = append(out, r.RunTick(ctx, now))
	}
	return out
}
