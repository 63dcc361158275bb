package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMA_WarmupAndReady(t *testing.T) {
	ema := NewEMA(3)

	require.False(t, ema.Ready())
	require.Equal(t, 3, ema.Warmup())
	require.Equal(t, "EMA(3)", ema.Name())

	ema.Update(1)
	require.False(t, ema.Ready())
	ema.Update(2)
	require.False(t, ema.Ready())
	ema.Update(3)
	require.True(t, ema.Ready())
}

func TestEMA_KnownSequence(t *testing.T) {
	// alpha = 2/(3+1) = 0.5
	// 10 -> 10.5 -> 11.25 -> 12.125
	v, ready := Run(NewEMA(3), []float64{10, 11, 12, 13})
	require.True(t, ready)
	require.InDelta(t, 12.125, v, 1e-9)
}

func TestEMA_Reset(t *testing.T) {
	ema := NewEMA(3)
	ema.Update(10)
	ema.Update(11)
	ema.Reset()

	require.False(t, ema.Ready())
	require.Equal(t, 0.0, ema.Value())

	ema.Update(20)
	require.Equal(t, 20.0, ema.Value())
}

func TestEMA_PanicsOnBadPeriod(t *testing.T) {
	assert.Panics(t, func() { NewEMA(0) })
}

func TestVolatility(t *testing.T) {
	vol := NewVolatility(2, 1)
	assert.Equal(t, 3, vol.Warmup())

	// returns: +10%, -10%
	v, ready := Run(vol, []float64{100, 110, 99})
	require.True(t, ready)
	// mean 0, sample variance (0.01+0.01)/1
	assert.InDelta(t, math.Sqrt(0.02), v, 1e-9)

	flat, ready := Run(NewVolatility(3, 256), []float64{5, 5, 5, 5})
	require.True(t, ready)
	assert.Equal(t, 0.0, flat)

	_, ready = Run(NewVolatility(5, 256), []float64{1, 2, 3})
	assert.False(t, ready)
}

func TestVolatilityWindowSlides(t *testing.T) {
	vol := NewVolatility(2, 16*16)
	for _, x := range []float64{100, 200, 100, 101, 102.01} {
		vol.Update(x)
	}
	// last two returns are both 1%, so the spread is zero
	assert.InDelta(t, 0, vol.Value(), 1e-9)
}
