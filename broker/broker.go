// Package broker defines the position and order capability the reconciler
// drives.
package broker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAuth              = errors.New("broker: authentication failed")
	ErrInsufficientFunds = errors.New("broker: insufficient funds")
	ErrRateLimited       = errors.New("broker: rate limited")
	ErrRejected          = errors.New("broker: order rejected")
	// ErrUnavailable covers transport failures and broker-side errors.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrUnknownOrder means the broker has no order for the id.
	ErrUnknownOrder = errors.New("broker: unknown order")
)

type Broker interface {
	GetPosition(ctx context.Context, account, instrument string) (Position, error)
	// SubmitOrder places a market order. Brokers deduplicate on
	// ClientOrderID, so resubmitting the same request is safe.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetOrderStatus(ctx context.Context, account, orderID string) (OrderStatus, error)
}

// Position is the broker's holding; Quantity is signed (short < 0).
type Position struct {
	Account    string
	Instrument string
	Quantity   decimal.Decimal
	AvgPrice   decimal.Decimal
}

type OrderRequest struct {
	Account       string
	Instrument    string
	Quantity      decimal.Decimal // signed: buy > 0, sell < 0
	ClientOrderID string
}

type OrderAck struct {
	OrderID       string
	ClientOrderID string
	SubmittedAt   time.Time
}

// OrderState is the broker-reported order state.
type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderFilled    OrderState = "filled"
	OrderRejected  OrderState = "rejected"
	OrderCancelled OrderState = "cancelled"
	// OrderUnknown is an ambiguous poll; callers poll again.
	OrderUnknown OrderState = "unknown"
)

type OrderStatus struct {
	OrderID        string
	State          OrderState
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	Reason         string
}

// Retryable reports whether a submission error may be retried. Auth,
// funding and rejection errors are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuth), errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrRejected):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
