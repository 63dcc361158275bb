package market

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Candle represents OHLC (Open, High, Low, Close) candlestick data for one
// instrument over one timeframe interval starting at OpenTime.
type Candle struct {
	InstrumentID string
	Timeframe    Timeframe
	OpenTime     time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
}

// Key identifies the candle's (instrument, timeframe) series.
func (c Candle) Key() Pair {
	return Pair{Instrument: c.InstrumentID, Timeframe: c.Timeframe}
}

// CloseTime is the end of the candle interval.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// Complete reports whether the interval has closed at now.
func (c Candle) Complete(now time.Time) bool {
	return !c.CloseTime().After(now)
}

// SameValues compares the OHLCV fields only.
func (c Candle) SameValues(o Candle) bool {
	return c.Open == o.Open && c.High == o.High && c.Low == o.Low &&
		c.Close == o.Close && c.Volume == o.Volume
}

// Validate checks that the candle is well formed.
func (c Candle) Validate() error {
	if c.InstrumentID == "" {
		return fmt.Errorf("candle: instrument is required")
	}
	if c.Timeframe.Duration() == 0 {
		return fmt.Errorf("candle %s: unknown timeframe %q", c.InstrumentID, c.Timeframe)
	}
	if c.OpenTime.IsZero() {
		return fmt.Errorf("candle %s: open time is required", c.InstrumentID)
	}
	if !c.OpenTime.Equal(c.Timeframe.Truncate(c.OpenTime)) {
		return fmt.Errorf("candle %s: open time %s not aligned to %s", c.InstrumentID, c.OpenTime.UTC().Format(time.RFC3339), c.Timeframe)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("candle %s@%s: invalid value %v", c.InstrumentID, c.OpenTime.UTC().Format(time.RFC3339), v)
		}
	}
	if c.High < c.Low || c.High < math.Max(c.Open, c.Close) || c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("candle %s@%s: inconsistent OHLC", c.InstrumentID, c.OpenTime.UTC().Format(time.RFC3339))
	}
	return nil
}

// SortDedup orders candles by open time and keeps the last occurrence of
// each open time. The input slice is reused.
func SortDedup(cs []Candle) []Candle {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].OpenTime.Before(cs[j].OpenTime) })
	out := cs[:0]
	for _, c := range cs {
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(c.OpenTime) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// Closes returns the close prices in order.
func Closes(cs []Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}
