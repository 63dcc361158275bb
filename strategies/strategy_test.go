package strategies

import (
	"math"
	"testing"
	"time"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(closes ...float64) []market.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			InstrumentID: "EUR_USD",
			Timeframe:    market.D1,
			OpenTime:     start.AddDate(0, 0, i),
			Open:         c, High: c, Low: c, Close: c,
		}
	}
	return out
}

func trend(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i) + 0.3*math.Sin(float64(i))
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		want    string
		wantErr string
	}{
		{name: "emac", spec: Spec{ID: "a", Kind: "emac", Timeframe: market.D1, Capital: decimal.NewFromInt(1000)}, want: "emac"},
		{name: "emacross", spec: Spec{ID: "b", Kind: "EMACross", Timeframe: market.H1, FastPeriod: 2, SlowPeriod: 5, Units: decimal.NewFromInt(10)}, want: "EMA_CROSS(2,5)"},
		{name: "unknown kind", spec: Spec{ID: "c", Kind: "rsi", Timeframe: market.D1}, wantErr: "unknown kind"},
		{name: "bad timeframe", spec: Spec{ID: "d", Kind: "emac", Timeframe: "9d"}, wantErr: "unknown timeframe"},
		{name: "emac no capital", spec: Spec{ID: "e", Kind: "emac", Timeframe: market.D1}, wantErr: "capital must be positive"},
		{name: "emacross inverted", spec: Spec{ID: "f", Kind: "emacross", Timeframe: market.D1, FastPeriod: 5, SlowPeriod: 2, Units: decimal.NewFromInt(1)}, wantErr: "fast_period < slow_period"},
		{name: "emacross no units", spec: Spec{ID: "g", Kind: "emacross", Timeframe: market.D1, FastPeriod: 2, SlowPeriod: 5}, wantErr: "units must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.spec)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
			assert.Equal(t, tt.spec.Timeframe, s.Timeframe())
		})
	}
}

func TestEMACross(t *testing.T) {
	inst := market.Instruments["EUR_USD"]
	s, err := NewEMACross(Spec{ID: "x", Timeframe: market.D1, FastPeriod: 2, SlowPeriod: 5, Units: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Lookback())

	_, err = s.Evaluate(inst, series(1, 2, 3))
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	up, err := s.Evaluate(inst, series(1, 2, 3, 4, 5, 6, 7))
	require.NoError(t, err)
	assert.Equal(t, "1000", up.Quantity.String())
	assert.Equal(t, 1.0, up.Metadata["side"])

	down, err := s.Evaluate(inst, series(7, 6, 5, 4, 3, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, "-1000", down.Quantity.String())

	flat, err := s.Evaluate(inst, series(5, 5, 5, 5, 5))
	require.NoError(t, err)
	assert.True(t, flat.Quantity.IsZero(), "flat is a real zero target")
}

func TestEMACrossMinSpreadKeepsSide(t *testing.T) {
	inst := market.Instruments["EUR_USD"]
	s, err := NewEMACross(Spec{ID: "x", Timeframe: market.D1, FastPeriod: 2, SlowPeriod: 3, Units: decimal.NewFromInt(1), MinSpread: 0.05})
	require.NoError(t, err)

	// strong rally sets long, then a small dip stays inside the band
	tgt, err := s.Evaluate(inst, series(100, 120, 140, 160, 159, 158))
	require.NoError(t, err)
	assert.Equal(t, "1", tgt.Quantity.String())
}

func TestEMAC(t *testing.T) {
	inst := market.Instruments["BTC_USD"]
	s, err := NewEMAC(Spec{ID: "m", Timeframe: market.D1, Capital: decimal.NewFromInt(100000)})
	require.NoError(t, err)
	assert.Equal(t, 256, s.Lookback())

	_, err = s.Evaluate(inst, series(trend(100, 100, 1)...))
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	up, err := s.Evaluate(inst, series(trend(256, 100, 1)...))
	require.NoError(t, err)
	assert.True(t, up.Quantity.IsPositive(), "uptrend is long, got %s", up.Quantity)
	assert.Greater(t, up.Metadata["forecast"], 0.0)
	assert.LessOrEqual(t, up.Metadata["forecast"], 20.0)
	assert.Greater(t, up.Metadata["instrument_risk"], 0.0)
	for _, k := range []string{"ema_16", "ema_32", "ema_64", "ema_128", "ema_256"} {
		assert.Contains(t, up.Metadata, k)
	}
	assert.LessOrEqual(t, up.Confidence, 1.0)
	assert.LessOrEqual(t, -up.Quantity.Exponent(), int32(4), "rounded to instrument precision")

	down, err := s.Evaluate(inst, series(trend(256, 400, -1)...))
	require.NoError(t, err)
	assert.True(t, down.Quantity.IsNegative())
}

func TestEMACZeroVolatility(t *testing.T) {
	s, err := NewEMAC(Spec{ID: "m", Timeframe: market.D1, Capital: decimal.NewFromInt(1), FastSpeeds: []int{2}, VolWindow: 3})
	require.NoError(t, err)
	assert.Equal(t, 8, s.Lookback())

	_, err = s.Evaluate(market.Instruments["EUR_USD"], series(1, 1, 1, 1, 1, 1, 1, 1))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestEMACrossADX(t *testing.T) {
	inst := market.Instruments["EUR_USD"]
	s, err := New(Spec{ID: "x", Kind: "emacross-adx", Timeframe: market.D1, FastPeriod: 2, SlowPeriod: 5, ADXPeriod: 3, Units: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, "EMA_CROSS_ADX(2,5,3)", s.Name())
	assert.Equal(t, 7, s.Lookback())

	_, err = s.Evaluate(inst, series(1, 2, 3, 4, 5, 6))
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	trending, err := s.Evaluate(inst, series(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	require.NoError(t, err)
	assert.Equal(t, "1000", trending.Quantity.String())
	assert.InDelta(t, 100, trending.Metadata["adx"], 1e-9)

	// choppy market drifting up: the cross says long, the ADX says ranging
	var chop []float64
	for i := 0; i < 12; i++ {
		chop = append(chop, 10+float64(i%2)+0.1*float64(i/2))
	}
	ranging, err := s.Evaluate(inst, series(chop...))
	require.NoError(t, err)
	assert.Equal(t, 1.0, ranging.Metadata["side"])
	assert.Less(t, ranging.Metadata["adx"], 25.0)
	assert.True(t, ranging.Quantity.IsZero())

	_, err = New(Spec{ID: "y", Kind: "emacross-adx", Timeframe: market.D1, FastPeriod: 2, SlowPeriod: 5, ADXThreshold: 120, Units: decimal.NewFromInt(1)})
	assert.ErrorContains(t, err, "adx_threshold")
}
