package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx  = context.Background()
	pair = market.Pair{Instrument: "EUR_USD", Timeframe: market.D1}
	t0   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func dailyBars(n int, start int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		px := 1.1 + float64(start+i)/100
		out[i] = market.Candle{
			InstrumentID: pair.Instrument,
			Timeframe:    pair.Timeframe,
			OpenTime:     t0.AddDate(0, 0, start+i),
			Open:         px, High: px + 0.01, Low: px - 0.01, Close: px, Volume: 10,
		}
	}
	return out
}

func TestSchemaCreated(t *testing.T) {
	t.Parallel()

	s, path := newTestStore(t)
	require.NoError(t, s.Migrate(ctx), "migrate is repeatable")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	for _, table := range []string{"instruments", "candles", "candle_freshness", "job_runs",
		"desired_positions", "order_intents", "positions", "reconciliations"} {
		assert.True(t, found[table], table)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(ctx, "mysql", "x")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestInstruments(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	require.NoError(t, s.UpsertInstrument(ctx, market.Instruments["BTC_USD"]))
	require.NoError(t, s.UpsertInstrument(ctx, market.Instruments["EUR_USD"]))

	btc := market.Instruments["BTC_USD"]
	btc.Exchange = "dydx"
	require.NoError(t, s.UpsertInstrument(ctx, btc))

	got, err := s.GetInstrument(ctx, "BTC_USD")
	require.NoError(t, err)
	assert.Equal(t, "dydx", got.Exchange)
	assert.True(t, btc.MinTradeSize.Equal(got.MinTradeSize))
	assert.Equal(t, int32(4), got.QuantityPrecision)

	all, err := s.ListInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BTC_USD", all[0].Symbol)

	_, err = s.GetInstrument(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertCandlesTenDaily(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	res, err := s.UpsertCandles(ctx, pair, dailyBars(10, 0), t0)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Inserted)

	n, err := s.CountCandles(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got, err := s.Candles(ctx, pair, t0, t0.AddDate(0, 0, 9))
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, c := range got {
		assert.Equal(t, t0.AddDate(0, 0, i), c.OpenTime)
		assert.Equal(t, pair, c.Key())
	}

	last, ok, err := s.LastCandleTime(ctx, pair)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.AddDate(0, 0, 9), last)
}

func TestUpsertCandlesIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	bars := dailyBars(5, 0)
	_, err := s.UpsertCandles(ctx, pair, bars, t0)
	require.NoError(t, err)
	before, err := s.Candles(ctx, pair, t0, t0.AddDate(0, 0, 10))
	require.NoError(t, err)

	res, err := s.UpsertCandles(ctx, pair, bars, t0)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Unchanged: 5}, res)

	after, err := s.Candles(ctx, pair, t0, t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpsertCandlesOverlapAndFrozen(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.UpsertCandles(ctx, pair, dailyBars(5, 0), t0)
	require.NoError(t, err)

	revised := dailyBars(4, 3) // days 3..6, 3 and 4 overlap
	revised[0].Close += 0.001
	revised[0].High += 0.001
	revised[1].Close += 0.002
	revised[1].High += 0.002

	// day 3 is older than the mutable window, day 4 is inside it
	res, err := s.UpsertCandles(ctx, pair, revised, t0.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 2, Updated: 1, Frozen: 1}, res)

	got, err := s.Candles(ctx, pair, t0.AddDate(0, 0, 3), t0.AddDate(0, 0, 4))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.13, got[0].Close, 1e-12, "frozen bar unchanged")
	assert.InDelta(t, 1.142, got[1].Close, 1e-12, "mutable bar updated")
}

func TestUpsertCandlesValidates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	bad := dailyBars(1, 0)
	bad[0].High = 0
	_, err := s.UpsertCandles(ctx, pair, bad, t0)
	assert.ErrorContains(t, err, "inconsistent OHLC")

	other := dailyBars(1, 0)
	other[0].InstrumentID = "USD_JPY"
	_, err = s.UpsertCandles(ctx, pair, other, t0)
	assert.Error(t, err)
}

func TestUpsertCandlesConcurrentSameKey(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	results := make([]UpsertResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.UpsertCandles(ctx, pair, dailyBars(10, 0), t0)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, r := range results {
		inserted += r.Inserted
	}
	assert.Equal(t, 10, inserted)
}

func TestLastCandles(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	_, err := s.UpsertCandles(ctx, pair, dailyBars(10, 0), t0)
	require.NoError(t, err)

	got, err := s.LastCandles(ctx, pair, t0.AddDate(0, 0, 7), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0.AddDate(0, 0, 5), got[0].OpenTime)
	assert.Equal(t, t0.AddDate(0, 0, 7), got[2].OpenTime)

	_, err = s.LastCandles(ctx, pair, t0, 0)
	assert.Error(t, err)
}

func TestHighWaterOnlyAdvances(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, ok, err := s.HighWater(ctx, pair)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AdvanceHighWater(ctx, pair, t0.AddDate(0, 0, 5), t0))
	require.NoError(t, s.AdvanceHighWater(ctx, pair, t0.AddDate(0, 0, 2), t0))

	hw, ok, err := s.HighWater(ctx, pair)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.AddDate(0, 0, 5), hw)
}

func TestJobRuns(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, ok, err := s.GetJobRun(ctx, "update_ohlc")
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := s.ClaimJob(ctx, "update_ohlc", t0, time.Time{}, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	r, ok, err := s.GetJobRun(ctx, "update_ohlc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.Running())

	// held until it finishes
	claimed, err = s.ClaimJob(ctx, "update_ohlc", t0.Add(time.Second), time.Time{}, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.MarkJobFinished(ctx, "update_ohlc", t0.Add(time.Minute), true, "fp1", ""))
	r, _, err = s.GetJobRun(ctx, "update_ohlc")
	require.NoError(t, err)
	assert.False(t, r.Running())
	assert.Equal(t, t0.Add(time.Minute), r.LastSuccessAt)
	assert.Equal(t, "fp1", r.LastInputFingerprint)

	// a caller that decided on a record from before that finish must re-read
	later := t0.Add(24 * time.Hour)
	claimed, err = s.ClaimJob(ctx, "update_ohlc", later, time.Time{}, later.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = s.ClaimJob(ctx, "update_ohlc", later, r.LastRunAt, later.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.MarkJobFinished(ctx, "update_ohlc", later.Add(time.Minute), false, "fp2", "boom"))

	r, _, err = s.GetJobRun(ctx, "update_ohlc")
	require.NoError(t, err)
	assert.Equal(t, later.Add(time.Minute), r.LastRunAt)
	assert.Equal(t, t0.Add(time.Minute), r.LastSuccessAt, "failure must not advance last success")
	assert.Equal(t, "fp1", r.LastInputFingerprint)
	assert.Equal(t, 2, r.Runs)
	assert.Equal(t, 1, r.Failures)
	assert.Equal(t, "boom", r.LastError)

	all, err := s.ListJobRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClaimJobTakesOverAbandonedStart(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	claimed, err := s.ClaimJob(ctx, "update_strategy", t0, time.Time{}, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	// the process died without finishing
	claimed, err = s.ClaimJob(ctx, "update_strategy", t0.Add(30*time.Minute), time.Time{}, t0.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = s.ClaimJob(ctx, "update_strategy", t0.Add(2*time.Hour), time.Time{}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, claimed)

	r, _, err := s.GetJobRun(ctx, "update_strategy")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), r.StartedAt)
}

func TestDesiredPositions(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	dp := DesiredPosition{
		StrategyID:       "emac-eur",
		InstrumentID:     "EUR_USD",
		AsOf:             t0,
		Timeframe:        market.D1,
		TargetQuantity:   decimal.NewFromInt(10),
		Confidence:       0.5,
		InputFingerprint: "abc",
		Metadata:         map[string]float64{"forecast": 5},
		CreatedAt:        t0.Add(time.Hour),
	}
	ok, err := s.InsertDesiredPosition(ctx, dp)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := dp
	dup.TargetQuantity = decimal.NewFromInt(99)
	ok, err = s.InsertDesiredPosition(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "same marker is a no-op")

	next := dp
	next.AsOf = t0.AddDate(0, 0, 1)
	next.TargetQuantity = decimal.Zero
	next.Metadata = nil
	_, err = s.InsertDesiredPosition(ctx, next)
	require.NoError(t, err)

	got, ok, err := s.LatestDesiredPosition(ctx, "emac-eur", "EUR_USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.AsOf, got.AsOf)
	assert.True(t, got.TargetQuantity.IsZero())
	assert.Equal(t, market.D1, got.Timeframe)

	n, err := s.CountDesiredPositions(ctx, "emac-eur", "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "history retained")

	_, ok, err = s.LatestDesiredPosition(ctx, "none", "EUR_USD")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionsAndReconciliations(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	p := Position{Account: "acct", InstrumentID: "EUR_USD", Quantity: decimal.NewFromInt(3), AvgPrice: decimal.RequireFromString("1.1"), PolledAt: t0.Add(time.Hour)}
	require.NoError(t, s.SavePosition(ctx, p))

	older := p
	older.Quantity = decimal.NewFromInt(1)
	older.PolledAt = t0
	require.NoError(t, s.SavePosition(ctx, older))

	got, ok, err := s.GetPosition(ctx, "acct", "EUR_USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", got.Quantity.String(), "older poll does not overwrite")

	all, err := s.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, ok, err = s.LastReconciled(ctx, "emac-eur", "EUR_USD")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkReconciled(ctx, "emac-eur", "EUR_USD", t0.AddDate(0, 0, 2), t0))
	require.NoError(t, s.MarkReconciled(ctx, "emac-eur", "EUR_USD", t0.AddDate(0, 0, 1), t0))
	m, ok, err := s.LastReconciled(ctx, "emac-eur", "EUR_USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.AddDate(0, 0, 2), m)
}
