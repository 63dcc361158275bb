package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrLimit is returned for an order that breaks a configured limit.
var ErrLimit = errors.New("risk limit")

// Limits caps what one reconciliation may send for an instrument. Zero
// fields are not checked.
type Limits struct {
	// MaxOrderQuantity bounds the absolute size of a single order.
	MaxOrderQuantity decimal.Decimal `json:"max_order_quantity,omitempty" yaml:"max_order_quantity,omitempty"`
	// MaxPositionQuantity bounds the absolute position after the order.
	MaxPositionQuantity decimal.Decimal `json:"max_position_quantity,omitempty" yaml:"max_position_quantity,omitempty"`
}

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Err is nil for an allowed decision and wraps ErrLimit otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	msgs := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		msgs[i] = v.Code + ": " + v.Msg
	}
	return fmt.Errorf("%w: %s", ErrLimit, strings.Join(msgs, "; "))
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.MaxOrderQuantity.IsNegative() || l.MaxPositionQuantity.IsNegative() {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// Check decides whether an order of delta against a live position is
// allowed. Orders that shrink the position are always allowed through the
// position cap.
func (l Limits) Check(live, delta decimal.Decimal) Decision {
	d := Decision{Allowed: true}
	if delta.IsZero() {
		d.add("NO_UNITS", "order quantity must be non-zero")
		return d
	}

	if l.MaxOrderQuantity.IsPositive() && delta.Abs().GreaterThan(l.MaxOrderQuantity) {
		d.add("ORDER_TOO_LARGE",
			fmt.Sprintf("order %s exceeds max %s", delta, l.MaxOrderQuantity))
	}

	after := live.Add(delta)
	if l.MaxPositionQuantity.IsPositive() && after.Abs().GreaterThan(l.MaxPositionQuantity) &&
		after.Abs().GreaterThan(live.Abs()) {
		d.add("POSITION_TOO_LARGE",
			fmt.Sprintf("position %s after order exceeds max %s", after, l.MaxPositionQuantity))
	}
	return d
}
