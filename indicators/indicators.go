// Package indicators provides streaming technical indicators over closes.
package indicators

// Indicator computes a single streaming value from closed-candle prices.
// It is deterministic, so evaluating the same window twice gives the same
// result.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next closed price.
	Update(x float64)

	// Ready reports whether Value is meaningful.
	Ready() bool

	// Value returns the current value. Callers check Ready first.
	Value() float64
}

// Run resets ind, feeds it xs in order and returns the final value.
func Run(ind Indicator, xs []float64) (float64, bool) {
	ind.Reset()
	for _, x := range xs {
		ind.Update(x)
	}
	return ind.Value(), ind.Ready()
}
