// Package storetest builds throwaway stores and candle series for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/stretchr/testify/require"
)

// New opens a migrated SQLite store under t.TempDir.
func New(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "jobtrader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Series returns n well-formed bars starting at start, with closes taken
// from closes[i] when given or a slow upward drift otherwise.
func Series(pair market.Pair, start time.Time, n int, closes ...float64) []market.Candle {
	d := pair.Timeframe.Duration()
	out := make([]market.Candle, n)
	for i := range out {
		px := 1.1 + float64(i)/1000
		if i < len(closes) {
			px = closes[i]
		}
		out[i] = market.Candle{
			InstrumentID: pair.Instrument,
			Timeframe:    pair.Timeframe,
			OpenTime:     start.Add(time.Duration(i) * d),
			Open:         px,
			High:         px * 1.001,
			Low:          px * 0.999,
			Close:        px,
			Volume:       100,
		}
	}
	return out
}
