package indicators

import (
	"fmt"
	"math"
)

// Volatility is the sample standard deviation of simple returns over the
// last n returns, scaled by sqrt(periodsPerYear).
type Volatility struct {
	n       int
	annual  float64
	prev    float64
	hasPrev bool
	returns []float64
	name    string
}

// NewVolatility panics on a non-positive window. periodsPerYear of 1 leaves
// the value unscaled.
func NewVolatility(window int, periodsPerYear float64) *Volatility {
	if window < 2 {
		panic("volatility window must be >= 2")
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 1
	}
	return &Volatility{
		n:       window,
		annual:  math.Sqrt(periodsPerYear),
		returns: make([]float64, 0, window),
		name:    fmt.Sprintf("VOL(%d)", window),
	}
}

func (v *Volatility) Name() string { return v.name }

// Warmup counts prices, one more than the number of returns.
func (v *Volatility) Warmup() int { return v.n + 1 }
func (v *Volatility) Ready() bool { return len(v.returns) >= v.n }

func (v *Volatility) Reset() {
	v.prev = 0
	v.hasPrev = false
	v.returns = v.returns[:0]
}

func (v *Volatility) Update(x float64) {
	if v.hasPrev && v.prev != 0 {
		v.returns = append(v.returns, x/v.prev-1)
		if len(v.returns) > v.n {
			v.returns = v.returns[1:]
		}
	}
	v.prev = x
	v.hasPrev = true
}

func (v *Volatility) Value() float64 {
	if len(v.returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range v.returns {
		mean += r
	}
	mean /= float64(len(v.returns))

	ss := 0.0
	for _, r := range v.returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(v.returns)-1)) * v.annual
}
