package market

import (
	"fmt"
	"time"
)

// Timeframe is a candle interval such as "1h" or "1d".
type Timeframe string

const (
	M1  Timeframe = "1m"
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	M30 Timeframe = "30m"
	H1  Timeframe = "1h"
	H4  Timeframe = "4h"
	D1  Timeframe = "1d"
)

var timeframes = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
}

// ParseTimeframe validates s.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the interval length, or zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframes[tf]
}

// Truncate aligns t down to the start of its interval in UTC.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}

func (tf Timeframe) String() string { return string(tf) }

// Pair is one tracked (instrument, timeframe) series.
type Pair struct {
	Instrument string
	Timeframe  Timeframe
}

func (p Pair) String() string { return p.Instrument + "/" + string(p.Timeframe) }
