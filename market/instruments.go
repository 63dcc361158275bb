package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument describes a tradable symbol and where its data comes from.
type Instrument struct {
	Symbol        string `json:"symbol" yaml:"symbol"`
	BaseCurrency  string `json:"base_currency" yaml:"base_currency"`
	QuoteCurrency string `json:"quote_currency" yaml:"quote_currency"`
	Exchange      string `json:"exchange" yaml:"exchange"`
	Vehicle       string `json:"vehicle" yaml:"vehicle"` // "fx", "crypto", "future", ...
	Source        string `json:"source" yaml:"source"`   // data source name

	// TimeZone, ForecastTime and OrderTime describe when the instrument's
	// daily signal and orders are expected ("HH:MM" local to TimeZone).
	TimeZone     string `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
	ForecastTime string `json:"forecast_time,omitempty" yaml:"forecast_time,omitempty"`
	OrderTime    string `json:"order_time,omitempty" yaml:"order_time,omitempty"`

	MinTradeSize      decimal.Decimal `json:"min_trade_size" yaml:"min_trade_size"`
	QuantityPrecision int32           `json:"quantity_precision" yaml:"quantity_precision"`
}

// Location resolves TimeZone, defaulting to UTC.
func (i Instrument) Location() (*time.Location, error) {
	if i.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(i.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", i.Symbol, err)
	}
	return loc, nil
}

// Validate checks TimeZone and the HH:MM times.
func (i Instrument) Validate() error {
	if _, err := i.Location(); err != nil {
		return err
	}
	for _, hhmm := range []string{i.ForecastTime, i.OrderTime} {
		if hhmm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("instrument %s: time %q: want HH:MM", i.Symbol, hhmm)
		}
	}
	return nil
}

// ReadyAt reports whether now is at or past the time of day hhmm on now's
// date in the instrument's time zone. An empty hhmm is always ready.
func (i Instrument) ReadyAt(hhmm string, now time.Time) (bool, error) {
	if hhmm == "" {
		return true, nil
	}
	tod, err := time.Parse("15:04", hhmm)
	if err != nil {
		return false, fmt.Errorf("instrument %s: time %q: want HH:MM", i.Symbol, hhmm)
	}
	loc, err := i.Location()
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)
	return !local.Before(cutoff), nil
}

// ForecastReady reports whether today's daily signal may be computed.
func (i Instrument) ForecastReady(now time.Time) (bool, error) {
	return i.ReadyAt(i.ForecastTime, now)
}

// OrderReady reports whether today's daily orders may be placed.
func (i Instrument) OrderReady(now time.Time) (bool, error) {
	return i.ReadyAt(i.OrderTime, now)
}

// RoundQuantity rounds q toward zero to the instrument's unit precision.
func (i Instrument) RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(i.QuantityPrecision)
}

// Instruments is the built-in catalog used for defaults.
var Instruments = map[string]Instrument{
	"EUR_USD": {
		Symbol:            "EUR_USD",
		BaseCurrency:      "EUR",
		QuoteCurrency:     "USD",
		Exchange:          "OANDA",
		Vehicle:           "fx",
		Source:            "oanda",
		TimeZone:          "America/New_York",
		ForecastTime:      "17:15",
		OrderTime:         "17:30",
		MinTradeSize:      decimal.NewFromInt(1),
		QuantityPrecision: 0,
	},
	"USD_JPY": {
		Symbol:            "USD_JPY",
		BaseCurrency:      "USD",
		QuoteCurrency:     "JPY",
		Exchange:          "OANDA",
		Vehicle:           "fx",
		Source:            "oanda",
		TimeZone:          "America/New_York",
		ForecastTime:      "17:15",
		OrderTime:         "17:30",
		MinTradeSize:      decimal.NewFromInt(1),
		QuantityPrecision: 0,
	},
	"BTC_USD": {
		Symbol:            "BTC_USD",
		BaseCurrency:      "BTC",
		QuoteCurrency:     "USD",
		Exchange:          "CCCAGG",
		Vehicle:           "crypto",
		Source:            "cryptocompare",
		TimeZone:          "UTC",
		ForecastTime:      "00:15",
		OrderTime:         "00:30",
		MinTradeSize:      decimal.RequireFromString("0.0001"),
		QuantityPrecision: 4,
	},
}
