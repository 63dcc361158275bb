package indicators

import (
	"testing"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(h, l, c float64) market.Candle {
	return market.Candle{Open: c, High: h, Low: l, Close: c}
}

func TestTrueRange(t *testing.T) {
	tests := []struct {
		name      string
		cur, prev market.Candle
		want      float64
	}{
		{"inside bar", bar(11, 9, 10), bar(12, 8, 10), 2},
		{"gap up", bar(15, 14, 14.5), bar(11, 9, 10), 5},
		{"gap down", bar(8, 7, 7.5), bar(11, 9, 10), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TrueRange(tt.cur, tt.prev), 1e-9)
		})
	}
}

func TestATR(t *testing.T) {
	atr := NewATR(2)
	assert.Equal(t, 3, atr.Warmup())
	assert.Equal(t, "ATR(2)", atr.Name())

	atr.Update(bar(10, 8, 9))
	atr.Update(bar(11, 9, 10)) // tr 2
	require.False(t, atr.Ready())
	assert.Equal(t, 0.0, atr.Value())

	atr.Update(bar(13, 10, 12)) // tr 3
	require.True(t, atr.Ready())
	assert.InDelta(t, 2.5, atr.Value(), 1e-9)

	atr.Update(bar(12, 11, 11)) // tr 1
	assert.InDelta(t, 1.75, atr.Value(), 1e-9)

	atr.Reset()
	assert.False(t, atr.Ready())
}

func TestADX(t *testing.T) {
	trend := NewADX(3)
	flat := NewADX(3)
	assert.Equal(t, 7, trend.Warmup())

	for i := 0; i < 7; i++ {
		require.False(t, trend.Ready(), "candle %d", i)
		x := float64(i)
		trend.Update(bar(x+1, x-1, x))
		flat.Update(bar(11, 9, 10))
	}
	require.True(t, trend.Ready())
	// only positive directional movement
	assert.InDelta(t, 100, trend.Value(), 1e-9)

	require.True(t, flat.Ready())
	assert.InDelta(t, 0, flat.Value(), 1e-9)

	trend.Reset()
	assert.False(t, trend.Ready())
	assert.Equal(t, 0.0, trend.Value())
}
