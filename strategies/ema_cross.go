package strategies

import (
	"fmt"
	"math"

	"github.com/rustyeddy/jobtrader/indicators"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/shopspring/decimal"
)

// EMACross holds Units long while the fast EMA is above the slow EMA and
// Units short while it is below. A relative spread under MinSpread keeps the
// previous side so the target does not flip on noise.
type EMACross struct {
	spec Spec
	name string
}

func NewEMACross(spec Spec) (*EMACross, error) {
	if spec.FastPeriod <= 0 || spec.SlowPeriod <= 0 {
		return nil, fmt.Errorf("emacross %s: periods must be > 0", spec.ID)
	}
	if spec.FastPeriod >= spec.SlowPeriod {
		return nil, fmt.Errorf("emacross %s: requires fast_period < slow_period", spec.ID)
	}
	if !spec.Units.IsPositive() {
		return nil, fmt.Errorf("emacross %s: units must be positive", spec.ID)
	}
	return &EMACross{
		spec: spec,
		name: fmt.Sprintf("EMA_CROSS(%d,%d)", spec.FastPeriod, spec.SlowPeriod),
	}, nil
}

func (x *EMACross) Name() string                { return x.name }
func (x *EMACross) Timeframe() market.Timeframe { return x.spec.Timeframe }
func (x *EMACross) Lookback() int               { return x.spec.SlowPeriod }

func (x *EMACross) Evaluate(inst market.Instrument, window []market.Candle) (Target, error) {
	if len(window) < x.spec.SlowPeriod {
		return Target{}, ErrInsufficientHistory
	}

	fast := indicators.NewEMA(x.spec.FastPeriod)
	slow := indicators.NewEMA(x.spec.SlowPeriod)

	side := 0
	rel := 0.0
	for _, c := range window {
		fast.Update(c.Close)
		slow.Update(c.Close)
		if !slow.Ready() || slow.Value() == 0 {
			continue
		}
		rel = (fast.Value() - slow.Value()) / slow.Value()
		switch {
		case rel > x.spec.MinSpread:
			side = 1
		case rel < -x.spec.MinSpread:
			side = -1
		}
	}

	meta := map[string]float64{
		"ema_fast": fast.Value(),
		"ema_slow": slow.Value(),
		"spread":   rel,
		"side":     float64(side),
	}
	if side == 0 {
		return zeroTarget(meta), nil
	}
	return Target{
		Quantity:   inst.RoundQuantity(x.spec.Units.Mul(decimal.NewFromInt(int64(side)))),
		Confidence: math.Min(1, math.Abs(rel)/math.Max(x.spec.MinSpread, 1e-9)),
		Metadata:   meta,
	}, nil
}

var _ Strategy = (*EMACross)(nil)
