package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ForecastScale is the forecast value that maps to a full-size position.
const ForecastScale = 10.0

// Inputs describes a volatility-targeted sizing request.
type Inputs struct {
	Capital        decimal.Decimal // account capital in account currency
	RiskTarget     float64         // annualised volatility target, e.g. 0.2
	Forecast       float64         // signed forecast, ForecastScale is average conviction
	InstrumentRisk float64         // annualised return volatility of the instrument
	Price          float64         // last close in quote currency
	QuoteToAccount float64         // quote currency to account currency rate, 1 when equal
}

// Validate reports inputs that cannot produce a position.
func (in Inputs) Validate() error {
	if !in.Capital.IsPositive() {
		return fmt.Errorf("capital must be positive")
	}
	if in.RiskTarget <= 0 || in.RiskTarget > 1 {
		return fmt.Errorf("risk target must be between 0 and 1")
	}
	if in.InstrumentRisk <= 0 || math.IsNaN(in.InstrumentRisk) {
		return fmt.Errorf("instrument risk must be positive")
	}
	if in.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	return nil
}

// TargetQuantity returns the signed number of units that puts the expected
// annual volatility of the position at RiskTarget of Capital, scaled by
// Forecast/ForecastScale. Rounding is left to the caller.
func TargetQuantity(in Inputs) (decimal.Decimal, error) {
	if err := in.Validate(); err != nil {
		return decimal.Zero, err
	}
	rate := in.QuoteToAccount
	if rate <= 0 {
		rate = 1
	}

	capital, _ := in.Capital.Float64()
	notional := capital * in.RiskTarget / in.InstrumentRisk * in.Forecast / ForecastScale
	units := notional / (in.Price * rate)
	return decimal.NewFromFloat(units), nil
}
