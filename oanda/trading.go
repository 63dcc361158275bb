package oanda

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rustyeddy/jobtrader/broker"
	"github.com/shopspring/decimal"
)

// Broker adapts a Client to broker.Broker using MARKET fill-or-kill
// orders tagged with the client order id.
type Broker struct {
	Client *Client
	Now    func() time.Time
}

type positionSide struct {
	Units        string `json:"units"`
	AveragePrice string `json:"averagePrice"`
}

type positionResponse struct {
	Position struct {
		Instrument string       `json:"instrument"`
		Long       positionSide `json:"long"`
		Short      positionSide `json:"short"`
	} `json:"position"`
}

func (b *Broker) GetPosition(ctx context.Context, account, instrument string) (broker.Position, error) {
	pos := broker.Position{Account: account, Instrument: instrument}

	var resp positionResponse
	path := "/v3/accounts/" + url.PathEscape(account) + "/positions/" + url.PathEscape(instrument)
	err := b.Client.do(ctx, http.MethodGet, path, nil, nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		// never traded
		return pos, nil
	}
	if err != nil {
		return pos, brokerError("get position "+instrument, err)
	}

	long, err := parseDecimal(resp.Position.Long.Units)
	if err != nil {
		return pos, err
	}
	short, err := parseDecimal(resp.Position.Short.Units)
	if err != nil {
		return pos, err
	}
	pos.Quantity = long.Add(short)

	avg := resp.Position.Long.AveragePrice
	if pos.Quantity.IsNegative() {
		avg = resp.Position.Short.AveragePrice
	}
	if pos.AvgPrice, err = parseDecimal(avg); err != nil {
		return pos, err
	}
	return pos, nil
}

type clientExtensions struct {
	ID string `json:"id"`
}

type marketOrder struct {
	Type             string           `json:"type"`
	Instrument       string           `json:"instrument"`
	Units            string           `json:"units"`
	TimeInForce      string           `json:"timeInForce"`
	PositionFill     string           `json:"positionFill"`
	ClientExtensions clientExtensions `json:"clientExtensions"`
}

type orderCreateResponse struct {
	OrderCreateTransaction struct {
		ID string `json:"id"`
	} `json:"orderCreateTransaction"`
}

func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	if req.Quantity.IsZero() {
		return broker.OrderAck{}, fmt.Errorf("submit %s: zero quantity: %w", req.Instrument, broker.ErrRejected)
	}
	body := map[string]marketOrder{"order": {
		Type:             "MARKET",
		Instrument:       req.Instrument,
		Units:            req.Quantity.String(),
		TimeInForce:      "FOK",
		PositionFill:     "DEFAULT",
		ClientExtensions: clientExtensions{ID: req.ClientOrderID},
	}}

	var resp orderCreateResponse
	err := b.Client.do(ctx, http.MethodPost, "/v3/accounts/"+url.PathEscape(req.Account)+"/orders", nil, body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == "CLIENT_ORDER_ID_ALREADY_EXISTS" || apiErr.RejectReason == "CLIENT_ORDER_ID_ALREADY_EXISTS") {
		// an earlier attempt landed; resolve it instead of placing another
		o, lerr := b.order(ctx, req.Account, "@"+req.ClientOrderID)
		if lerr != nil {
			return broker.OrderAck{}, brokerError("lookup "+req.ClientOrderID, lerr)
		}
		return broker.OrderAck{OrderID: o.Order.ID, ClientOrderID: req.ClientOrderID, SubmittedAt: b.now()}, nil
	}
	if err != nil {
		return broker.OrderAck{}, brokerError("submit "+req.Instrument, err)
	}
	return broker.OrderAck{
		OrderID:       resp.OrderCreateTransaction.ID,
		ClientOrderID: req.ClientOrderID,
		SubmittedAt:   b.now(),
	}, nil
}

type orderResponse struct {
	Order struct {
		ID                      string `json:"id"`
		State                   string `json:"state"`
		Units                   string `json:"units"`
		FillingTransactionID    string `json:"fillingTransactionID"`
		CancellingTransactionID string `json:"cancellingTransactionID"`
	} `json:"order"`
}

type transactionResponse struct {
	Transaction struct {
		Units  string `json:"units"`
		Price  string `json:"price"`
		Reason string `json:"reason"`
	} `json:"transaction"`
}

func (b *Broker) order(ctx context.Context, account, specifier string) (orderResponse, error) {
	var resp orderResponse
	err := b.Client.do(ctx, http.MethodGet, "/v3/accounts/"+url.PathEscape(account)+"/orders/"+url.PathEscape(specifier), nil, nil, &resp)
	return resp, err
}

func (b *Broker) transaction(ctx context.Context, account, id string) (transactionResponse, error) {
	var resp transactionResponse
	err := b.Client.do(ctx, http.MethodGet, "/v3/accounts/"+url.PathEscape(account)+"/transactions/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

func (b *Broker) GetOrderStatus(ctx context.Context, account, orderID string) (broker.OrderStatus, error) {
	st := broker.OrderStatus{OrderID: orderID, State: broker.OrderUnknown}

	o, err := b.order(ctx, account, orderID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return st, fmt.Errorf("order %s: %w", orderID, broker.ErrUnknownOrder)
	}
	if err != nil {
		return st, brokerError("order status "+orderID, err)
	}

	switch o.Order.State {
	case "PENDING", "TRIGGERED":
		st.State = broker.OrderOpen
	case "FILLED":
		st.State = broker.OrderFilled
		tx, err := b.transaction(ctx, account, o.Order.FillingTransactionID)
		if err != nil {
			return broker.OrderStatus{OrderID: orderID, State: broker.OrderUnknown}, brokerError("fill "+orderID, err)
		}
		if st.FilledQuantity, err = parseDecimal(tx.Transaction.Units); err != nil {
			return st, err
		}
		if st.AvgPrice, err = parseDecimal(tx.Transaction.Price); err != nil {
			return st, err
		}
	case "CANCELLED":
		st.State = broker.OrderCancelled
		if o.Order.CancellingTransactionID != "" {
			if tx, err := b.transaction(ctx, account, o.Order.CancellingTransactionID); err == nil {
				st.Reason = tx.Transaction.Reason
			}
		}
	}
	return st, nil
}

func (b *Broker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func brokerError(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("oanda %s: %w: %w", op, broker.ErrUnavailable, err)
	}
	reason := apiErr.Code
	if reason == "" {
		reason = apiErr.RejectReason
	}
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("oanda %s: %w: %v", op, broker.ErrAuth, err)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("oanda %s: %w: %v", op, broker.ErrRateLimited, err)
	case reason == "INSUFFICIENT_MARGIN":
		return fmt.Errorf("oanda %s: %w: %v", op, broker.ErrInsufficientFunds, err)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("oanda %s: %w: %v", op, broker.ErrUnavailable, err)
	default:
		return fmt.Errorf("oanda %s: %w: %v", op, broker.ErrRejected, err)
	}
}

var _ broker.Broker = (*Broker)(nil)
