package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Inputs
		want float64
	}{
		{
			name: "average long",
			in:   Inputs{Capital: decimal.NewFromInt(100000), RiskTarget: 0.2, Forecast: 10, InstrumentRisk: 0.5, Price: 40000},
			// 100000*0.2/0.5 = 40000 notional -> 1 unit
			want: 1,
		},
		{
			name: "double conviction short",
			in:   Inputs{Capital: decimal.NewFromInt(100000), RiskTarget: 0.2, Forecast: -20, InstrumentRisk: 0.5, Price: 40000},
			want: -2,
		},
		{
			name: "flat forecast",
			in:   Inputs{Capital: decimal.NewFromInt(100000), RiskTarget: 0.2, Forecast: 0, InstrumentRisk: 0.1, Price: 1.1},
			want: 0,
		},
		{
			name: "quote conversion",
			in:   Inputs{Capital: decimal.NewFromInt(10000), RiskTarget: 0.1, Forecast: 10, InstrumentRisk: 0.1, Price: 150, QuoteToAccount: 0.5},
			// 10000 notional / (150*0.5)
			want: 133.3333333,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := TargetQuantity(tt.in)
			require.NoError(t, err)
			f, _ := got.Float64()
			assert.InDelta(t, tt.want, f, 1e-6)
		})
	}
}

func TestTargetQuantityRejectsBadInputs(t *testing.T) {
	t.Parallel()

	base := Inputs{Capital: decimal.NewFromInt(1000), RiskTarget: 0.2, Forecast: 10, InstrumentRisk: 0.3, Price: 10}

	bad := base
	bad.Capital = decimal.Zero
	_, err := TargetQuantity(bad)
	assert.ErrorContains(t, err, "capital")

	bad = base
	bad.InstrumentRisk = 0
	_, err = TargetQuantity(bad)
	assert.ErrorContains(t, err, "instrument risk")

	bad = base
	bad.RiskTarget = 2
	_, err = TargetQuantity(bad)
	assert.ErrorContains(t, err, "risk target")

	bad = base
	bad.Price = 0
	_, err = TargetQuantity(bad)
	assert.ErrorContains(t, err, "price")
}
