package market

import "time"

// Gap is a run of missing intervals between two stored candles.
type Gap struct {
	Start   time.Time // open time of the first missing candle
	Missing int       // number of missing intervals
}

// Gaps reports missing intervals inside an ordered candle series. Missing
// bars stay absent; Gaps only describes them.
func Gaps(cs []Candle, tf Timeframe) []Gap {
	d := tf.Duration()
	if d == 0 || len(cs) < 2 {
		return nil
	}

	var gaps []Gap
	for i := 1; i < len(cs); i++ {
		step := cs[i].OpenTime.Sub(cs[i-1].OpenTime)
		if step > d {
			gaps = append(gaps, Gap{
				Start:   cs[i-1].OpenTime.Add(d),
				Missing: int(step/d) - 1,
			})
		}
	}
	return gaps
}
