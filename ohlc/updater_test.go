package ohlc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/jobtrader/datasource"
	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/internal/logging"
	"github.com/rustyeddy/jobtrader/internal/retry"
	"github.com/rustyeddy/jobtrader/internal/storetest"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx = context.Background()
	t0  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // a Monday
	btc = market.Instruments["BTC_USD"]
	eur = market.Instruments["EUR_USD"]
)

// fakeSource serves a fixed series filtered by since, optionally failing
// the first calls.
type fakeSource struct {
	mu       sync.Mutex
	name     string
	bars     []market.Candle
	failures []error
	calls    int
	sinces   []time.Time
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchCandles(ctx context.Context, inst market.Instrument, tf market.Timeframe, since time.Time) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sinces = append(f.sinces, since)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	var out []market.Candle
	for _, c := range f.bars {
		if !c.OpenTime.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestTenDailyCandles(t *testing.T) {
	s := storetest.New(t)
	pair := market.Pair{Instrument: btc.Symbol, Timeframe: market.D1}
	src := &fakeSource{name: "cryptocompare", bars: storetest.Series(pair, t0, 11)}

	u := New(s, datasource.Set{"cryptocompare": src}, logging.Discard(), Options{History: 30, Retry: fastRetry()})
	// the 11th bar is still open at now
	now := t0.AddDate(0, 0, 10).Add(6 * time.Hour)

	report, err := u.Run(ctx, []Target{{Instrument: btc, Timeframe: market.D1}}, now)
	require.NoError(t, err)
	require.Len(t, report.Pairs, 1)
	pr := report.Pairs[0]
	assert.Equal(t, 11, pr.Fetched)
	assert.Equal(t, 1, pr.Incomplete)
	assert.Equal(t, 10, pr.Upsert.Inserted)
	assert.Equal(t, t0.AddDate(0, 0, 9), pr.HighWater)
	assert.True(t, report.Changed())

	n, err := s.CountCandles(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	hw, ok, err := s.HighWater(ctx, pair)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.AddDate(0, 0, 9), hw)

	// A second run over the same data changes nothing.
	report, err = u.Run(ctx, []Target{{Instrument: btc, Timeframe: market.D1}}, now)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, 0, report.Pairs[0].Upsert.Inserted)
	n, err = s.CountCandles(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Incremental fetch starts Overlap bars behind the newest stored bar.
	assert.Equal(t, t0.AddDate(0, 0, 9-defaultOverlap), src.sinces[1])
	assert.Equal(t, t0.AddDate(0, 0, 10).AddDate(0, 0, -30), src.sinces[0])
}

func TestRevisedBarWithinWindow(t *testing.T) {
	s := storetest.New(t)
	pair := market.Pair{Instrument: btc.Symbol, Timeframe: market.D1}
	bars := storetest.Series(pair, t0, 5)
	src := &fakeSource{name: "cryptocompare", bars: bars}
	u := New(s, datasource.Set{"cryptocompare": src}, logging.Discard(), Options{Overlap: 3, Retry: fastRetry()})
	now := t0.AddDate(0, 0, 5)
	target := []Target{{Instrument: btc, Timeframe: market.D1}}

	_, err := u.Run(ctx, target, now)
	require.NoError(t, err)

	// revise the newest bar and one well behind it
	revised := storetest.Series(pair, t0, 5)
	revised[4].Close *= 1.0005
	revised[4].High = revised[4].Close
	revised[2].Volume = 999
	src.bars = revised

	report, err := u.Run(ctx, target, now)
	require.NoError(t, err)
	pr := report.Pairs[0]
	assert.Equal(t, 1, pr.Upsert.Updated)
	assert.Equal(t, 1, pr.Upsert.Frozen)

	stored, err := s.Candles(ctx, pair, t0, now)
	require.NoError(t, err)
	assert.Equal(t, revised[4].Close, stored[4].Close)
	assert.Equal(t, 100.0, stored[2].Volume)
}

func TestRetriesTransientFailures(t *testing.T) {
	s := storetest.New(t)
	pair := market.Pair{Instrument: btc.Symbol, Timeframe: market.D1}
	src := &fakeSource{
		name:     "cryptocompare",
		bars:     storetest.Series(pair, t0, 3),
		failures: []error{datasource.ErrRateLimited, context.DeadlineExceeded},
	}
	u := New(s, datasource.Set{"cryptocompare": src}, logging.Discard(), Options{Retry: fastRetry()})

	report, err := u.Run(ctx, []Target{{Instrument: btc, Timeframe: market.D1}}, t0.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pairs[0].Attempts)
	assert.Equal(t, 3, report.Pairs[0].Upsert.Inserted)
}

func TestFailureIsolatedPerPair(t *testing.T) {
	s := storetest.New(t)
	good := market.Pair{Instrument: eur.Symbol, Timeframe: market.D1}
	okSrc := &fakeSource{name: "oanda", bars: storetest.Series(good, t0, 4)}
	badSrc := &fakeSource{name: "cryptocompare", failures: []error{
		datasource.ErrUnavailable, datasource.ErrUnavailable, datasource.ErrUnavailable,
	}}
	u := New(s, datasource.Set{"oanda": okSrc, "cryptocompare": badSrc}, logging.Discard(), Options{Retry: fastRetry()})

	report, err := u.Run(ctx, []Target{
		{Instrument: btc, Timeframe: market.D1},
		{Instrument: eur, Timeframe: market.D1},
	}, t0.AddDate(0, 0, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "BTC_USD/1d")

	require.Len(t, report.Pairs, 2)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "BTC_USD", failed[0].Pair.Instrument)
	assert.Equal(t, 3, failed[0].Attempts)

	n, err := s.CountCandles(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, ok, err := s.HighWater(ctx, market.Pair{Instrument: btc.Symbol, Timeframe: market.D1})
	require.NoError(t, err)
	assert.False(t, ok, "failed pair keeps no high water")
}

func TestInvalidSymbolNotRetried(t *testing.T) {
	s := storetest.New(t)
	src := &fakeSource{name: "cryptocompare", failures: []error{datasource.ErrInvalidSymbol}}
	u := New(s, datasource.Set{"cryptocompare": src}, logging.Discard(), Options{Retry: fastRetry()})

	_, err := u.Run(ctx, []Target{{Instrument: btc, Timeframe: market.D1}}, t0)
	assert.ErrorIs(t, err, datasource.ErrInvalidSymbol)
	assert.Equal(t, 1, src.calls)
}

func TestGapsRecordedNotFilled(t *testing.T) {
	s := storetest.New(t)
	pair := market.Pair{Instrument: btc.Symbol, Timeframe: market.D1}
	bars := storetest.Series(pair, t0, 6)
	bars = append(bars[:2], bars[4:]...) // drop Wed and Thu
	src := &fakeSource{name: "cryptocompare", bars: bars}
	u := New(s, datasource.Set{"cryptocompare": src}, logging.Discard(), Options{Retry: fastRetry()})

	report, err := u.Run(ctx, []Target{{Instrument: btc, Timeframe: market.D1}}, t0.AddDate(0, 0, 6))
	require.NoError(t, err)
	pr := report.Pairs[0]
	require.Len(t, pr.Gaps, 1)
	assert.Equal(t, t0.AddDate(0, 0, 2), pr.Gaps[0].Start)
	assert.Equal(t, 2, pr.Gaps[0].Missing)

	n, err := s.CountCandles(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, t0.AddDate(0, 0, 5), pr.HighWater)
}

func TestWeekendGapIgnoredForFX(t *testing.T) {
	pair := market.Pair{Instrument: eur.Symbol, Timeframe: market.D1}
	// Fri 5th then Mon 8th
	friday := t0.AddDate(0, 0, 4)
	bars := []market.Candle{
		storetest.Series(pair, friday, 1)[0],
		storetest.Series(pair, friday.AddDate(0, 0, 3), 1)[0],
	}
	gaps := market.Gaps(bars, market.D1)
	require.Len(t, gaps, 1)
	assert.True(t, weekendOnly(gaps[0], market.D1))

	midweek := market.Gap{Start: t0.AddDate(0, 0, 1), Missing: 1}
	assert.False(t, weekendOnly(midweek, market.D1))

	hourly := market.Gap{Start: friday.Add(21 * time.Hour), Missing: 48}
	assert.True(t, weekendOnly(hourly, market.H1))
}

func TestNoSourceConfigured(t *testing.T) {
	s := storetest.New(t)
	u := New(s, datasource.Set{}, logging.Discard(), Options{})
	_, err := u.Run(ctx, []Target{{Instrument: btc, Timeframe: market.D1}}, t0)
	assert.ErrorContains(t, err, "no data source")
}
