// Package ohlc keeps stored candles current for every tracked pair.
package ohlc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/jobtrader/datasource"
	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/internal/retry"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options tune an Updater. Zero values take the defaults below.
type Options struct {
	// Overlap is how many bars behind the newest stored bar are fetched
	// again so late revisions are picked up.
	Overlap int `yaml:"overlap_bars" json:"overlap_bars"`
	// History is how many bars to backfill for a pair with no data.
	History     int          `yaml:"history_bars" json:"history_bars"`
	Concurrency int          `yaml:"concurrency" json:"concurrency"`
	Retry       retry.Policy `yaml:"-" json:"-"`
}

const (
	defaultOverlap     = 2
	defaultHistory     = 1000
	defaultConcurrency = 4
)

func (o Options) withDefaults() Options {
	if o.Overlap <= 0 {
		o.Overlap = defaultOverlap
	}
	if o.History <= 0 {
		o.History = defaultHistory
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = retry.Policy{
			Attempts:   3,
			Initial:    time.Second,
			Max:        10 * time.Second,
			Multiplier: 2,
			Timeout:    30 * time.Second,
		}
	}
	if o.Retry.Retryable == nil {
		o.Retry.Retryable = datasource.Retryable
	}
	return o
}

// Target is one tracked series.
type Target struct {
	Instrument market.Instrument
	Timeframe  market.Timeframe
}

func (t Target) Pair() market.Pair {
	return market.Pair{Instrument: t.Instrument.Symbol, Timeframe: t.Timeframe}
}

// PairReport describes one pair's update.
type PairReport struct {
	Pair       market.Pair
	Source     string
	Since      time.Time
	Attempts   int
	Fetched    int
	Incomplete int
	Upsert     store.UpsertResult
	Gaps       []market.Gap
	HighWater  time.Time
	Err        error
}

// Report collects every pair's outcome, ordered by pair.
type Report struct {
	Pairs []PairReport
}

// Changed reports whether any stored candle was inserted or rewritten.
func (r Report) Changed() bool {
	for _, p := range r.Pairs {
		if p.Upsert.Inserted+p.Upsert.Updated > 0 {
			return true
		}
	}
	return false
}

// Failed returns the pairs that did not update.
func (r Report) Failed() []PairReport {
	var out []PairReport
	for _, p := range r.Pairs {
		if p.Err != nil {
			out = append(out, p)
		}
	}
	return out
}

type Updater struct {
	store   *store.Store
	sources datasource.Set
	log     *logrus.Entry
	opts    Options
}

func New(s *store.Store, sources datasource.Set, log *logrus.Entry, opts Options) *Updater {
	return &Updater{
		store:   s,
		sources: sources,
		log:     log.WithField("component", "ohlc"),
		opts:    opts.withDefaults(),
	}
}

// Run updates every target. A failing pair never stops the others; the
// returned error joins all pair failures.
func (u *Updater) Run(ctx context.Context, targets []Target, now time.Time) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
		failed errs.Collector
		g      errgroup.Group
	)
	g.SetLimit(u.opts.Concurrency)

	for _, t := range targets {
		g.Go(func() error {
			pr := u.UpdatePair(ctx, t, now)
			if pr.Err != nil {
				failed.Add(errs.Keyed(pr.Pair.String(), "", pr.Err))
			}
			mu.Lock()
			report.Pairs = append(report.Pairs, pr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Pairs, func(i, j int) bool {
		return report.Pairs[i].Pair.String() < report.Pairs[j].Pair.String()
	})
	return report, failed.Err()
}

// UpdatePair fetches, validates and stores new bars for one series and
// advances its high-water mark.
func (u *Updater) UpdatePair(ctx context.Context, t Target, now time.Time) PairReport {
	pair := t.Pair()
	pr := PairReport{Pair: pair}
	log := u.log.WithFields(logrus.Fields{"instrument": pair.Instrument, "timeframe": pair.Timeframe})

	tf := t.Timeframe
	d := tf.Duration()
	if d == 0 {
		pr.Err = fmt.Errorf("unknown timeframe %q", tf)
		return pr
	}

	src, err := u.sources.For(t.Instrument)
	if err != nil {
		pr.Err = err
		return pr
	}
	pr.Source = src.Name()

	last, ok, err := u.store.LastCandleTime(ctx, pair)
	if err != nil {
		pr.Err = fmt.Errorf("last candle: %w", err)
		return pr
	}
	if ok {
		pr.Since = last.Add(-time.Duration(u.opts.Overlap) * d)
	} else {
		pr.Since = tf.Truncate(now).Add(-time.Duration(u.opts.History) * d)
	}

	var fetched []market.Candle
	pr.Attempts, err = u.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			log.WithField("attempt", attempt+1).Info("retrying fetch")
		}
		var ferr error
		fetched, ferr = src.FetchCandles(ctx, t.Instrument, tf, pr.Since)
		return ferr
	})
	if err != nil {
		pr.Err = fmt.Errorf("fetch from %s: %w", src.Name(), err)
		log.WithError(err).WithField("attempts", pr.Attempts).Error("fetch failed")
		return pr
	}
	pr.Fetched = len(fetched)

	complete := make([]market.Candle, 0, len(fetched))
	for _, c := range fetched {
		c.InstrumentID = pair.Instrument
		c.Timeframe = tf
		if !c.Complete(now) {
			pr.Incomplete++
			continue
		}
		if c.OpenTime.Before(pr.Since) {
			continue
		}
		if err := c.Validate(); err != nil {
			pr.Err = fmt.Errorf("source %s returned bad bar: %w", src.Name(), err)
			return pr
		}
		complete = append(complete, c)
	}
	complete = market.SortDedup(complete)

	if len(complete) > 0 {
		newest := complete[len(complete)-1].OpenTime
		pr.Upsert, err = u.store.UpsertCandles(ctx, pair, complete, newest.Add(-d))
		if err != nil {
			pr.Err = err
			return pr
		}
		if pr.Upsert.Frozen > 0 {
			log.WithField("frozen", pr.Upsert.Frozen).Warn("source revised bars outside the mutable window; kept stored values")
		}
	}

	hw, ok, err := u.store.LastCandleTime(ctx, pair)
	if err != nil {
		pr.Err = fmt.Errorf("last candle: %w", err)
		return pr
	}
	if !ok {
		log.Info("no complete bars available yet")
		return pr
	}

	stored, err := u.store.Candles(ctx, pair, pr.Since, hw)
	if err != nil {
		pr.Err = fmt.Errorf("load for gap check: %w", err)
		return pr
	}
	for _, g := range market.Gaps(stored, tf) {
		if t.Instrument.Vehicle == "fx" && weekendOnly(g, tf) {
			continue
		}
		pr.Gaps = append(pr.Gaps, g)
		log.WithFields(logrus.Fields{
			"gap_start": g.Start.Format(time.RFC3339),
			"missing":   g.Missing,
		}).Warn(errs.ErrDataGap.Error())
	}

	if err := u.store.AdvanceHighWater(ctx, pair, hw, now); err != nil {
		pr.Err = err
		return pr
	}
	pr.HighWater = hw

	entry := log.WithFields(logrus.Fields{
		"inserted":   pr.Upsert.Inserted,
		"updated":    pr.Upsert.Updated,
		"unchanged":  pr.Upsert.Unchanged,
		"high_water": hw.Format(time.RFC3339),
	})
	if pr.Upsert.Inserted+pr.Upsert.Updated == 0 {
		entry.Debug("pair up to date")
	} else {
		entry.Info("pair updated")
	}
	return pr
}

// weekendOnly reports whether every missing bar of g opens while the FX
// market is shut (Friday 20:00 to Sunday 22:00 UTC).
func weekendOnly(g market.Gap, tf market.Timeframe) bool {
	d := tf.Duration()
	for i := 0; i < g.Missing; i++ {
		t := g.Start.Add(time.Duration(i) * d).UTC()
		switch t.Weekday() {
		case time.Saturday:
		case time.Friday:
			if t.Hour() < 20 {
				return false
			}
		case time.Sunday:
			if t.Hour() >= 22 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
