package strategies

import (
	"fmt"
	"math"

	"github.com/rustyeddy/jobtrader/indicators"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/risk"
	"github.com/shopspring/decimal"
)

// forecastScalars normalise raw crossover values so each speed averages an
// absolute forecast of about 10.
var forecastScalars = map[int]float64{
	8:  5.95,
	16: 4.10,
	32: 2.65,
	64: 1.87,
}

// EMAC combines several fast/slow EMA crossovers (slow = 4 x fast) into a
// capped forecast and sizes it by volatility targeting.
type EMAC struct {
	spec     Spec
	lookback int
}

func NewEMAC(spec Spec) (*EMAC, error) {
	if len(spec.FastSpeeds) == 0 {
		spec.FastSpeeds = []int{16, 32, 64}
	}
	if spec.VolWindow == 0 {
		spec.VolWindow = 25
	}
	if spec.ForecastCap == 0 {
		spec.ForecastCap = 20
	}
	if spec.RiskTarget == 0 {
		spec.RiskTarget = 0.2
	}
	if !spec.Capital.IsPositive() {
		return nil, fmt.Errorf("emac %s: capital must be positive", spec.ID)
	}
	if spec.VolWindow < 2 {
		return nil, fmt.Errorf("emac %s: vol_window must be >= 2", spec.ID)
	}

	lookback := spec.VolWindow + 1
	for _, f := range spec.FastSpeeds {
		if f <= 0 {
			return nil, fmt.Errorf("emac %s: fast speeds must be > 0", spec.ID)
		}
		if 4*f > lookback {
			lookback = 4 * f
		}
	}
	return &EMAC{spec: spec, lookback: lookback}, nil
}

func (s *EMAC) Name() string                { return "emac" }
func (s *EMAC) Timeframe() market.Timeframe { return s.spec.Timeframe }
func (s *EMAC) Lookback() int               { return s.lookback }

func (s *EMAC) Evaluate(inst market.Instrument, window []market.Candle) (Target, error) {
	if len(window) < s.lookback {
		return Target{}, ErrInsufficientHistory
	}
	closes := market.Closes(window)
	price := closes[len(closes)-1]

	vol, ready := indicators.Run(indicators.NewVolatility(s.spec.VolWindow, periodsPerYear(s.spec.Timeframe)), closes)
	if !ready || vol <= 0 || math.IsNaN(vol) {
		return Target{}, fmt.Errorf("%s: %w: no usable volatility", inst.Symbol, ErrInsufficientHistory)
	}
	perBarVol := vol / math.Sqrt(periodsPerYear(s.spec.Timeframe))

	meta := map[string]float64{"instrument_risk": vol, "price": price}
	forecast := 0.0
	for _, fast := range s.spec.FastSpeeds {
		fv, _ := indicators.Run(indicators.NewEMA(fast), closes)
		sv, _ := indicators.Run(indicators.NewEMA(4*fast), closes)
		meta[fmt.Sprintf("ema_%d", fast)] = fv
		meta[fmt.Sprintf("ema_%d", 4*fast)] = sv

		raw := (fv - sv) / (price * perBarVol)
		forecast += capAbs(raw*scalar(fast), s.spec.ForecastCap)
	}
	forecast = capAbs(forecast/float64(len(s.spec.FastSpeeds)), s.spec.ForecastCap)
	meta["forecast"] = forecast

	qty, err := risk.TargetQuantity(risk.Inputs{
		Capital:        s.spec.Capital,
		RiskTarget:     s.spec.RiskTarget,
		Forecast:       forecast,
		InstrumentRisk: vol,
		Price:          price,
	})
	if err != nil {
		return Target{}, fmt.Errorf("%s: size position: %w", inst.Symbol, err)
	}

	return Target{
		Quantity:   inst.RoundQuantity(qty),
		Confidence: math.Abs(forecast) / s.spec.ForecastCap,
		Metadata:   meta,
	}, nil
}

func scalar(fast int) float64 {
	if v, ok := forecastScalars[fast]; ok {
		return v
	}
	return forecastScalars[16] * math.Sqrt(16/float64(fast))
}

var _ Strategy = (*EMAC)(nil)

// zeroTarget is a flat decision with full metadata.
func zeroTarget(meta map[string]float64) Target {
	return Target{Quantity: decimal.Zero, Metadata: meta}
}
