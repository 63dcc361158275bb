package strategies

import (
	"fmt"

	"github.com/rustyeddy/jobtrader/indicators"
	"github.com/rustyeddy/jobtrader/market"
)

// EMACrossADX is EMACross gated by trend strength: while the ADX is below
// ADXThreshold the market is treated as ranging and the target is flat.
type EMACrossADX struct {
	cross *EMACross
	spec  Spec
	name  string
}

func NewEMACrossADX(spec Spec) (*EMACrossADX, error) {
	if spec.ADXPeriod == 0 {
		spec.ADXPeriod = 14
	}
	if spec.ADXThreshold == 0 {
		spec.ADXThreshold = 25
	}
	if spec.ADXPeriod < 0 || spec.ADXThreshold < 0 || spec.ADXThreshold > 100 {
		return nil, fmt.Errorf("emacross-adx %s: adx_period must be > 0 and adx_threshold within 0..100", spec.ID)
	}
	cross, err := NewEMACross(spec)
	if err != nil {
		return nil, err
	}
	return &EMACrossADX{
		cross: cross,
		spec:  spec,
		name:  fmt.Sprintf("EMA_CROSS_ADX(%d,%d,%d)", spec.FastPeriod, spec.SlowPeriod, spec.ADXPeriod),
	}, nil
}

func (x *EMACrossADX) Name() string                { return x.name }
func (x *EMACrossADX) Timeframe() market.Timeframe { return x.spec.Timeframe }

func (x *EMACrossADX) Lookback() int {
	return max(x.spec.SlowPeriod, 2*x.spec.ADXPeriod+1)
}

func (x *EMACrossADX) Evaluate(inst market.Instrument, window []market.Candle) (Target, error) {
	if len(window) < x.Lookback() {
		return Target{}, ErrInsufficientHistory
	}
	target, err := x.cross.Evaluate(inst, window)
	if err != nil {
		return Target{}, err
	}

	adx := indicators.NewADX(x.spec.ADXPeriod)
	atr := indicators.NewATR(x.spec.ADXPeriod)
	for _, c := range window {
		adx.Update(c)
		atr.Update(c)
	}
	target.Metadata["adx"] = adx.Value()
	target.Metadata["atr"] = atr.Value()

	if adx.Value() < x.spec.ADXThreshold {
		return zeroTarget(target.Metadata), nil
	}
	return target, nil
}

var _ Strategy = (*EMACrossADX)(nil)
