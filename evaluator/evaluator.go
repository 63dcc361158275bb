// Package evaluator runs strategies over fresh candles and records the
// desired positions they produce.
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/rustyeddy/jobtrader/strategies"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Binding is one configured strategy instance and the instruments it
// trades.
type Binding struct {
	ID          string
	Strategy    strategies.Strategy
	Instruments []market.Instrument
}

// Reasons a key produced no desired position.
const (
	NoData              = "no candles"
	InsufficientHistory = "insufficient history"
	AlreadyEvaluated    = "already evaluated"
	BeforeForecastTime  = "before forecast time"
)

// Result is the outcome for one (strategy, instrument) key.
type Result struct {
	StrategyID string
	Instrument string
	Marker     string
	Window     int
	Position   *store.DesiredPosition
	Skipped    string
	Err        error
}

type Report struct {
	Results []Result
}

// Inserted counts new desired positions.
func (r Report) Inserted() int {
	n := 0
	for _, res := range r.Results {
		if res.Position != nil && res.Skipped == "" {
			n++
		}
	}
	return n
}

type Evaluator struct {
	store       *store.Store
	log         *logrus.Entry
	bindings    []Binding
	concurrency int
}

func New(s *store.Store, log *logrus.Entry, bindings []Binding, concurrency int) *Evaluator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Evaluator{
		store:       s,
		log:         log.WithField("component", "evaluator"),
		bindings:    bindings,
		concurrency: concurrency,
	}
}

// Fingerprint hashes the high-water mark of every pair the bindings read.
// It changes only when the updater ingested fresher data.
func (e *Evaluator) Fingerprint(ctx context.Context) (string, error) {
	seen := map[string]bool{}
	var keys []market.Pair
	for _, b := range e.bindings {
		for _, inst := range b.Instruments {
			p := market.Pair{Instrument: inst.Symbol, Timeframe: b.Strategy.Timeframe()}
			if !seen[p.String()] {
				seen[p.String()] = true
				keys = append(keys, p)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	h := sha256.New()
	for _, p := range keys {
		hw, ok, err := e.store.HighWater(ctx, p)
		if err != nil {
			return "", fmt.Errorf("high water %s: %w", p, err)
		}
		v := "none"
		if ok {
			v = strconv.FormatInt(hw.UnixMilli(), 10)
		}
		fmt.Fprintf(h, "%s=%s\n", p, v)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Run evaluates every (strategy, instrument) key. Keys fail independently.
func (e *Evaluator) Run(ctx context.Context, now time.Time) (Report, error) {
	var (
		mu      sync.Mutex
		report  Report
		failed  errs.Collector
		waiting int
		g       errgroup.Group
	)
	g.SetLimit(e.concurrency)

	for _, b := range e.bindings {
		for _, inst := range b.Instruments {
			g.Go(func() error {
				res := e.Evaluate(ctx, b, inst, now)
				if res.Err != nil {
					failed.Add(errs.Keyed(res.StrategyID+"/"+res.Instrument, res.Marker, res.Err))
				}
				mu.Lock()
				report.Results = append(report.Results, res)
				if res.Skipped == BeforeForecastTime {
					waiting++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		return a.Instrument < b.Instrument
	})
	if err := failed.Err(); err != nil {
		return report, err
	}
	if waiting > 0 {
		return report, fmt.Errorf("%d key(s) before forecast time: %w", waiting, errs.ErrDeferred)
	}
	return report, nil
}

// Evaluate runs one strategy on one instrument's window ending at the
// pair's high-water mark. Daily strategies wait for the instrument's
// forecast time.
func (e *Evaluator) Evaluate(ctx context.Context, b Binding, inst market.Instrument, now time.Time) Result {
	res := Result{StrategyID: b.ID, Instrument: inst.Symbol}
	tf := b.Strategy.Timeframe()
	pair := market.Pair{Instrument: inst.Symbol, Timeframe: tf}
	log := e.log.WithFields(logrus.Fields{"strategy": b.ID, "instrument": inst.Symbol, "timeframe": tf})

	if tf == market.D1 {
		ready, err := inst.ForecastReady(now)
		if err != nil {
			res.Err = err
			return res
		}
		if !ready {
			res.Skipped = BeforeForecastTime
			log.WithField("forecast_time", inst.ForecastTime).Info("waiting for forecast time")
			return res
		}
	}

	hw, ok, err := e.store.HighWater(ctx, pair)
	if err != nil {
		res.Err = fmt.Errorf("high water: %w", err)
		return res
	}
	if !ok {
		res.Skipped = NoData
		log.Info("no candles ingested yet")
		return res
	}

	lookback := b.Strategy.Lookback()
	window, err := e.store.LastCandles(ctx, pair, hw, lookback)
	if err != nil {
		res.Err = fmt.Errorf("load window: %w", err)
		return res
	}
	res.Window = len(window)
	if len(window) == 0 {
		res.Skipped = NoData
		log.Info("no candles ingested yet")
		return res
	}
	asOf := window[len(window)-1].OpenTime
	res.Marker = asOf.UTC().Format(time.RFC3339)
	log = log.WithField("marker", res.Marker)

	if len(window) < lookback {
		res.Skipped = InsufficientHistory
		log.WithFields(logrus.Fields{"have": len(window), "need": lookback}).Info("not enough history for a signal")
		return res
	}

	target, err := b.Strategy.Evaluate(inst, window)
	if errors.Is(err, strategies.ErrInsufficientHistory) {
		res.Skipped = InsufficientHistory
		log.WithError(err).Info("strategy produced no signal")
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", b.Strategy.Name(), err)
		log.WithError(err).Error("strategy failed")
		return res
	}

	dp := store.DesiredPosition{
		StrategyID:       b.ID,
		InstrumentID:     inst.Symbol,
		AsOf:             asOf,
		Timeframe:        tf,
		TargetQuantity:   target.Quantity,
		Confidence:       target.Confidence,
		InputFingerprint: WindowFingerprint(b.Strategy.Name(), window),
		Metadata:         target.Metadata,
		CreatedAt:        now,
	}
	inserted, err := e.store.InsertDesiredPosition(ctx, dp)
	if err != nil {
		res.Err = err
		return res
	}
	res.Position = &dp
	if !inserted {
		res.Skipped = AlreadyEvaluated
		log.Debug("desired position already recorded for marker")
		return res
	}
	log.WithFields(logrus.Fields{
		"target":     dp.TargetQuantity.String(),
		"confidence": dp.Confidence,
	}).Info("desired position recorded")
	return res
}

// WindowFingerprint hashes the candles a decision was made from.
func WindowFingerprint(strategy string, window []market.Candle) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", strategy)
	for _, c := range window {
		fmt.Fprintf(h, "%d %s %s %s %s %s\n", c.OpenTime.UnixMilli(),
			fmtFloat(c.Open), fmtFloat(c.High), fmtFloat(c.Low), fmtFloat(c.Close), fmtFloat(c.Volume))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
