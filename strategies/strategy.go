// Package strategies turns a window of closed candles into a desired
// position for one instrument.
package strategies

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/shopspring/decimal"
)

// ErrInsufficientHistory is returned when a window cannot support a signal.
// The evaluator treats it as "no signal", which is different from a zero
// target.
var ErrInsufficientHistory = errors.New("insufficient history")

// Target is a strategy's desired holding for one instrument.
type Target struct {
	Quantity   decimal.Decimal    // signed units, zero is a real flat decision
	Confidence float64            // 0..1
	Metadata   map[string]float64 // indicator values the decision was made from
}

// Strategy consumes a bounded window of closed candles, oldest first, and
// produces at most one Target. Implementations are stateless between calls.
type Strategy interface {
	Name() string
	Timeframe() market.Timeframe
	// Lookback is the number of candles Evaluate needs.
	Lookback() int
	Evaluate(inst market.Instrument, window []market.Candle) (Target, error)
}

// Spec configures one strategy instance.
type Spec struct {
	ID          string           `json:"id" yaml:"id"`
	Kind        string           `json:"kind" yaml:"kind"` // "emac" or "emacross"
	Timeframe   market.Timeframe `json:"timeframe" yaml:"timeframe"`
	Instruments []string         `json:"instruments" yaml:"instruments"`
	Account     string           `json:"account" yaml:"account"`

	// emac
	Capital     decimal.Decimal `json:"capital,omitempty" yaml:"capital,omitempty"`
	RiskTarget  float64         `json:"risk_target,omitempty" yaml:"risk_target,omitempty"`
	FastSpeeds  []int           `json:"fast_speeds,omitempty" yaml:"fast_speeds,omitempty"`
	VolWindow   int             `json:"vol_window,omitempty" yaml:"vol_window,omitempty"`
	ForecastCap float64         `json:"forecast_cap,omitempty" yaml:"forecast_cap,omitempty"`

	// emacross
	FastPeriod int             `json:"fast_period,omitempty" yaml:"fast_period,omitempty"`
	SlowPeriod int             `json:"slow_period,omitempty" yaml:"slow_period,omitempty"`
	Units      decimal.Decimal `json:"units,omitempty" yaml:"units,omitempty"`
	MinSpread  float64         `json:"min_spread,omitempty" yaml:"min_spread,omitempty"`

	// emacross-adx
	ADXPeriod    int     `json:"adx_period,omitempty" yaml:"adx_period,omitempty"`
	ADXThreshold float64 `json:"adx_threshold,omitempty" yaml:"adx_threshold,omitempty"`
}

// New builds the strategy named by spec.Kind.
func New(spec Spec) (Strategy, error) {
	if _, err := market.ParseTimeframe(string(spec.Timeframe)); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", spec.ID, err)
	}
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "emac":
		return NewEMAC(spec)
	case "emacross", "ema-cross":
		return NewEMACross(spec)
	case "emacross-adx", "ema-cross-adx":
		return NewEMACrossADX(spec)
	default:
		return nil, fmt.Errorf("strategy %s: unknown kind %q (supported: emac, emacross, emacross-adx)", spec.ID, spec.Kind)
	}
}

// periodsPerYear annualises per-bar statistics, counting 256 trading days.
func periodsPerYear(tf market.Timeframe) float64 {
	d := tf.Duration()
	if d == 0 {
		return 256
	}
	return 256 * float64(24*time.Hour) / float64(d)
}

func capAbs(x, limit float64) float64 {
	if x > limit {
		return limit
	}
	if x < -limit {
		return -limit
	}
	return x
}
