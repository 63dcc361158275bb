// Package app builds the three jobs from a Config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rustyeddy/jobtrader/broker"
	"github.com/rustyeddy/jobtrader/broker/paper"
	"github.com/rustyeddy/jobtrader/config"
	"github.com/rustyeddy/jobtrader/cryptocompare"
	"github.com/rustyeddy/jobtrader/datasource"
	"github.com/rustyeddy/jobtrader/evaluator"
	"github.com/rustyeddy/jobtrader/gate"
	"github.com/rustyeddy/jobtrader/internal/retry"
	"github.com/rustyeddy/jobtrader/jobs"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/oanda"
	"github.com/rustyeddy/jobtrader/ohlc"
	"github.com/rustyeddy/jobtrader/reconcile"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/rustyeddy/jobtrader/strategies"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// App holds everything one process invocation needs.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Gate    *gate.Coordinator
	Broker  broker.Broker
	Sources datasource.Set

	OHLC     *jobs.OHLC
	Strategy *jobs.Strategy
	Orders   *jobs.Orders

	closers []func() error
}

// Build opens the store and wires sources, broker and jobs.
func Build(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*App, error) {
	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: s, closers: []func() error{s.Close}}

	if err := a.build(ctx, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log *logrus.Entry) error {
	cfg := a.Config

	for _, in := range a.instruments() {
		if err := a.Store.UpsertInstrument(ctx, in); err != nil {
			return err
		}
	}

	locker, err := a.locker()
	if err != nil {
		return err
	}
	a.Gate = gate.New(a.Store, log, locker)

	if a.Sources, err = sources(cfg); err != nil {
		return err
	}
	if a.Broker, err = a.broker(); err != nil {
		return err
	}

	var bindings []evaluator.Binding
	var keys []reconcile.Key
	for _, spec := range cfg.Strategies {
		strat, err := strategies.New(spec)
		if err != nil {
			return err
		}
		b := evaluator.Binding{ID: spec.ID, Strategy: strat}
		for _, sym := range spec.Instruments {
			in, _ := cfg.Instrument(sym)
			b.Instruments = append(b.Instruments, in)
			keys = append(keys, reconcile.Key{StrategyID: spec.ID, Instrument: in, Account: spec.Account})
		}
		bindings = append(bindings, b)
	}

	var targets []ohlc.Target
	for _, p := range cfg.Pairs() {
		in, ok := cfg.Instrument(p.Instrument)
		if !ok {
			return fmt.Errorf("unknown instrument: %s", p.Instrument)
		}
		targets = append(targets, ohlc.Target{Instrument: in, Timeframe: p.Timeframe})
	}

	ohlcOpts, err := ohlcOptions(cfg.OHLC)
	if err != nil {
		return err
	}
	recOpts, err := reconcileOptions(cfg.Reconcile)
	if err != nil {
		return err
	}

	sched := func(j config.JobConfig, def time.Duration) (jobs.Schedule, error) {
		p, err := j.Policy()
		if err != nil {
			return jobs.Schedule{}, err
		}
		to, err := j.TimeoutOr(def)
		return jobs.Schedule{Policy: p, Timeout: to}, err
	}
	ohlcSched, err := sched(cfg.Jobs.OHLC, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("jobs.update_ohlc: %w", err)
	}
	stratSched, err := sched(cfg.Jobs.Strategy, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("jobs.update_strategy: %w", err)
	}
	orderSched, err := sched(cfg.Jobs.Orders, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("jobs.position_and_order: %w", err)
	}

	a.OHLC = jobs.NewOHLC(a.Gate, ohlc.New(a.Store, a.Sources, log, ohlcOpts), targets, ohlcSched)
	a.Strategy = jobs.NewStrategy(a.Gate, evaluator.New(a.Store, log, bindings, ohlcOpts.Concurrency), stratSched)
	a.Orders = jobs.NewOrders(a.Gate, reconcile.New(a.Store, a.Broker, log, keys, recOpts), orderSched)
	return nil
}

// Runners returns the jobs in pipeline order.
func (a *App) Runners() []jobs.Runner {
	return []jobs.Runner{a.OHLC, a.Strategy, a.Orders}
}

// Runner returns the job with the given name.
func (a *App) Runner(name string) (jobs.Runner, error) {
	for _, r := range a.Runners() {
		if r.Name() == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("unknown job %q", name)
}

// Close releases the store and any lock clients, newest first.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// instruments returns every instrument a strategy or the config names.
func (a *App) instruments() []market.Instrument {
	seen := map[string]bool{}
	var out []market.Instrument
	for _, in := range a.Config.Instruments {
		seen[in.Symbol] = true
		out = append(out, in)
	}
	for _, spec := range a.Config.Strategies {
		for _, sym := range spec.Instruments {
			if seen[sym] {
				continue
			}
			if in, ok := a.Config.Instrument(sym); ok {
				seen[sym] = true
				out = append(out, in)
			}
		}
	}
	return out
}

func (a *App) locker() (gate.Locker, error) {
	g := a.Config.Gate
	switch g.Locker {
	case "file":
		return &gate.FileLocker{Dir: g.LockDir}, nil
	case "redis":
		ttl, err := config.Duration(g.RedisTTL, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("gate.redis_ttl: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{g.RedisAddr},
			Password: g.RedisPassword,
			DB:       g.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		return &gate.RedisLocker{Client: client, Prefix: "jobtrader:lock:", TTL: ttl}, nil
	default:
		return nil, nil
	}
}

func sources(cfg *config.Config) (datasource.Set, error) {
	set := datasource.Set{}

	oc := cfg.Sources.OANDA
	base := oc.BaseURL
	if base == "" {
		var err error
		if base, err = oanda.BaseURL(oc.Env); err != nil {
			return nil, err
		}
	}
	timeout, err := config.Duration(oc.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sources.oanda.timeout: %w", err)
	}
	set["oanda"] = &oanda.Source{Client: oanda.NewClient(oanda.Options{
		BaseURL:           base,
		Token:             oc.Token,
		Timeout:           timeout,
		RequestsPerSecond: oc.RequestsPerSecond,
	})}

	cc := cfg.Sources.CryptoCompare
	timeout, err = config.Duration(cc.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sources.cryptocompare.timeout: %w", err)
	}
	set["cryptocompare"] = &cryptocompare.Source{Client: cryptocompare.NewClient(cryptocompare.Options{
		BaseURL:           cc.BaseURL,
		APIKey:            cc.APIKey,
		Timeout:           timeout,
		RequestsPerSecond: cc.RequestsPerSecond,
	})}
	return set, nil
}

func (a *App) broker() (broker.Broker, error) {
	switch a.Config.Broker.Kind {
	case "oanda":
		src, ok := a.Sources["oanda"].(*oanda.Source)
		if !ok || a.Config.Sources.OANDA.Token == "" {
			return nil, fmt.Errorf("broker oanda: sources.oanda.token is required")
		}
		return &oanda.Broker{Client: src.Client}, nil
	default:
		return paper.New(paper.Options{
			Path:      a.Config.Broker.StatePath,
			PriceFunc: a.lastClose,
		})
	}
}

// lastClose prices paper fills at the newest stored close across the
// timeframes tracked for the instrument.
func (a *App) lastClose(instrument string) (decimal.Decimal, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var best market.Candle
	for _, p := range a.Config.Pairs() {
		if p.Instrument != instrument {
			continue
		}
		cs, err := a.Store.LastCandles(ctx, p, time.Now(), 1)
		if err != nil || len(cs) == 0 {
			continue
		}
		if cs[0].OpenTime.After(best.OpenTime) {
			best = cs[0]
		}
	}
	if best.OpenTime.IsZero() {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(best.Close), true
}

func ohlcOptions(c config.OHLCConfig) (ohlc.Options, error) {
	backoff, err := config.Duration(c.FetchBackoff, time.Second)
	if err != nil {
		return ohlc.Options{}, fmt.Errorf("ohlc.fetch_backoff: %w", err)
	}
	timeout, err := config.Duration(c.FetchTimeout, 30*time.Second)
	if err != nil {
		return ohlc.Options{}, fmt.Errorf("ohlc.fetch_timeout: %w", err)
	}
	o := ohlc.Options{Overlap: c.OverlapBars, History: c.HistoryBars, Concurrency: c.Concurrency}
	if c.FetchAttempts > 0 {
		o.Retry = retry.Policy{
			Attempts:   c.FetchAttempts,
			Initial:    backoff,
			Max:        10 * backoff,
			Multiplier: 2,
			Timeout:    timeout,
			Retryable:  datasource.Retryable,
		}
	}
	return o, nil
}

func reconcileOptions(c config.ReconcileConfig) (reconcile.Options, error) {
	var o reconcile.Options
	var err error
	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"max_signal_age", c.MaxSignalAge, 24 * time.Hour, &o.MaxSignalAge},
		{"max_position_age", c.MaxPositionAge, time.Hour, &o.MaxPositionAge},
		{"poll_interval", c.PollInterval, 0, &o.PollInterval},
		{"broker_timeout", c.BrokerTimeout, 15 * time.Second, &o.BrokerTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = config.Duration(d.raw, d.def); err != nil {
			return o, fmt.Errorf("reconcile.%s: %w", d.name, err)
		}
	}
	o.Thresholds = c.Thresholds
	o.Limits = c.Limits
	o.PollAttempts = c.PollAttempts
	o.Concurrency = c.Concurrency

	if c.SubmitAttempts > 0 {
		o.Submit = retry.Policy{Attempts: c.SubmitAttempts, Multiplier: 2, Retryable: broker.Retryable}
		if o.Submit.Initial, err = config.Duration(c.SubmitBackoff, time.Second); err != nil {
			return o, fmt.Errorf("reconcile.submit_backoff: %w", err)
		}
		if o.Submit.Max, err = config.Duration(c.SubmitMaxWait, 15*time.Second); err != nil {
			return o, fmt.Errorf("reconcile.submit_max_backoff: %w", err)
		}
		if o.Submit.Timeout, err = config.Duration(c.SubmitTimeout, 15*time.Second); err != nil {
			return o, fmt.Errorf("reconcile.submit_timeout: %w", err)
		}
	}
	return o, nil
}
