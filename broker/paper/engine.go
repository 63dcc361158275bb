// Package paper is an in-process broker that fills market orders at the
// last known price. State optionally persists to a JSON file so positions
// survive restarts.
package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rustyeddy/jobtrader/broker"
	"github.com/rustyeddy/jobtrader/internal/id"
	"github.com/shopspring/decimal"
)

// ErrNoPrice means an order arrived for an instrument with no price.
var ErrNoPrice = errors.New("paper: no price")

// Hooks inject faults. Before errors fail the call without side effects;
// AfterSubmit errors are returned after the order was accepted, like a
// response lost in transit.
type Hooks struct {
	BeforeSubmit func(req broker.OrderRequest) error
	AfterSubmit  func(req broker.OrderRequest) error
	BeforeStatus func(orderID string) error
	BeforeGet    func(account, instrument string) error
}

type Options struct {
	// Path is the JSON state file. Empty keeps state in memory.
	Path string
	// PendingPolls is how many status polls report an order open before
	// it fills.
	PendingPolls int
	// PriceFunc supplies a fill price when none was set with SetPrice.
	PriceFunc func(instrument string) (decimal.Decimal, bool)
	Now       func() time.Time
	Hooks     Hooks
}

type position struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

type order struct {
	ID            string            `json:"id"`
	ClientOrderID string            `json:"client_order_id"`
	Account       string            `json:"account"`
	Instrument    string            `json:"instrument"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         decimal.Decimal   `json:"price"`
	State         broker.OrderState `json:"state"`
	Reason        string            `json:"reason,omitempty"`
	PollsLeft     int               `json:"polls_left"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

type state struct {
	Prices    map[string]decimal.Decimal `json:"prices"`
	Positions map[string]*position       `json:"positions"`
	Orders    map[string]*order          `json:"orders"`
	ByClient  map[string]string          `json:"by_client"`
}

type Engine struct {
	mu    sync.Mutex
	opts  Options
	st    state
	calls map[string]int
}

// New loads state from opts.Path when the file exists.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		opts: opts,
		st: state{
			Prices:    map[string]decimal.Decimal{},
			Positions: map[string]*position{},
			Orders:    map[string]*order{},
			ByClient:  map[string]string{},
		},
		calls: map[string]int{},
	}
	if opts.Path == "" {
		return e, nil
	}
	b, err := os.ReadFile(opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("paper: read state: %w", err)
	}
	if err := json.Unmarshal(b, &e.st); err != nil {
		return nil, fmt.Errorf("paper: decode state %s: %w", opts.Path, err)
	}
	if e.st.Prices == nil {
		e.st.Prices = map[string]decimal.Decimal{}
	}
	if e.st.Positions == nil {
		e.st.Positions = map[string]*position{}
	}
	if e.st.Orders == nil {
		e.st.Orders = map[string]*order{}
	}
	if e.st.ByClient == nil {
		e.st.ByClient = map[string]string{}
	}
	return e, nil
}

func posKey(account, instrument string) string { return account + "|" + instrument }

// SetPrice sets the fill price for an instrument.
func (e *Engine) SetPrice(instrument string, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Prices[instrument] = price
	return e.saveLocked()
}

// SetPosition overwrites a holding.
func (e *Engine) SetPosition(account, instrument string, qty, avg decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Positions[posKey(account, instrument)] = &position{Quantity: qty, AvgPrice: avg}
	return e.saveLocked()
}

// Calls returns how many times op ("submit", "status", "position") reached
// the engine, faults included.
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Orders returns the number of accepted orders.
func (e *Engine) Orders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.st.Orders)
}

func (e *Engine) GetPosition(ctx context.Context, account, instrument string) (broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["position"]++
	if err := ctx.Err(); err != nil {
		return broker.Position{}, err
	}
	if h := e.opts.Hooks.BeforeGet; h != nil {
		if err := h(account, instrument); err != nil {
			return broker.Position{}, err
		}
	}
	out := broker.Position{Account: account, Instrument: instrument}
	if p, ok := e.st.Positions[posKey(account, instrument)]; ok {
		out.Quantity = p.Quantity
		out.AvgPrice = p.AvgPrice
	}
	return out, nil
}

func (e *Engine) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["submit"]++
	if err := ctx.Err(); err != nil {
		return broker.OrderAck{}, err
	}
	if h := e.opts.Hooks.BeforeSubmit; h != nil {
		if err := h(req); err != nil {
			return broker.OrderAck{}, err
		}
	}
	if req.ClientOrderID == "" {
		return broker.OrderAck{}, fmt.Errorf("paper: client order id required: %w", broker.ErrRejected)
	}

	if oid, ok := e.st.ByClient[req.ClientOrderID]; ok {
		o := e.st.Orders[oid]
		return broker.OrderAck{OrderID: o.ID, ClientOrderID: o.ClientOrderID, SubmittedAt: o.SubmittedAt}, nil
	}

	if req.Quantity.IsZero() {
		return broker.OrderAck{}, fmt.Errorf("paper: zero quantity: %w", broker.ErrRejected)
	}
	price, ok := e.st.Prices[req.Instrument]
	if !ok && e.opts.PriceFunc != nil {
		price, ok = e.opts.PriceFunc(req.Instrument)
	}
	if !ok {
		return broker.OrderAck{}, fmt.Errorf("%w for %s: %w", ErrNoPrice, req.Instrument, broker.ErrRejected)
	}

	o := &order{
		ID:            id.New(),
		ClientOrderID: req.ClientOrderID,
		Account:       req.Account,
		Instrument:    req.Instrument,
		Quantity:      req.Quantity,
		Price:         price,
		State:         broker.OrderOpen,
		PollsLeft:     e.opts.PendingPolls,
		SubmittedAt:   e.now(),
	}
	e.st.Orders[o.ID] = o
	e.st.ByClient[o.ClientOrderID] = o.ID
	if o.PollsLeft <= 0 {
		e.fillLocked(o)
	}
	if err := e.saveLocked(); err != nil {
		return broker.OrderAck{}, fmt.Errorf("%w: %w", broker.ErrUnavailable, err)
	}

	ack := broker.OrderAck{OrderID: o.ID, ClientOrderID: o.ClientOrderID, SubmittedAt: o.SubmittedAt}
	if h := e.opts.Hooks.AfterSubmit; h != nil {
		if err := h(req); err != nil {
			return broker.OrderAck{}, err
		}
	}
	return ack, nil
}

func (e *Engine) GetOrderStatus(ctx context.Context, account, orderID string) (broker.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["status"]++
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}
	if h := e.opts.Hooks.BeforeStatus; h != nil {
		if err := h(orderID); err != nil {
			return broker.OrderStatus{OrderID: orderID, State: broker.OrderUnknown}, err
		}
	}
	o, ok := e.st.Orders[orderID]
	if !ok || o.Account != account {
		return broker.OrderStatus{OrderID: orderID, State: broker.OrderUnknown}, fmt.Errorf("paper: order %s: %w", orderID, broker.ErrUnknownOrder)
	}
	if o.State == broker.OrderOpen {
		o.PollsLeft--
		if o.PollsLeft <= 0 {
			e.fillLocked(o)
		}
		if err := e.saveLocked(); err != nil {
			return broker.OrderStatus{OrderID: orderID, State: broker.OrderUnknown}, err
		}
	}

	st := broker.OrderStatus{OrderID: o.ID, State: o.State, Reason: o.Reason}
	if o.State == broker.OrderFilled {
		st.FilledQuantity = o.Quantity
		st.AvgPrice = o.Price
	}
	return st, nil
}

// Cancel cancels an open order.
func (e *Engine) Cancel(orderID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.st.Orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", orderID, broker.ErrUnknownOrder)
	}
	if o.State != broker.OrderOpen {
		return fmt.Errorf("paper: order %s is %s", orderID, o.State)
	}
	o.State = broker.OrderCancelled
	o.Reason = reason
	return e.saveLocked()
}

// fillLocked applies o to its position. Adding to a position moves the
// average price; reducing keeps it; flipping takes the fill price.
func (e *Engine) fillLocked(o *order) {
	k := posKey(o.Account, o.Instrument)
	p, ok := e.st.Positions[k]
	if !ok {
		p = &position{}
		e.st.Positions[k] = p
	}
	next := p.Quantity.Add(o.Quantity)
	switch {
	case next.IsZero():
		p.AvgPrice = decimal.Zero
	case p.Quantity.IsZero() || p.Quantity.Sign() != next.Sign():
		p.AvgPrice = o.Price
	case p.Quantity.Sign() == o.Quantity.Sign():
		cost := p.Quantity.Mul(p.AvgPrice).Add(o.Quantity.Mul(o.Price))
		p.AvgPrice = cost.Div(next)
	}
	p.Quantity = next
	o.State = broker.OrderFilled
}

func (e *Engine) saveLocked() error {
	if e.opts.Path == "" {
		return nil
	}
	b, err := json.MarshalIndent(e.st, "", "  ")
	if err != nil {
		return fmt.Errorf("paper: encode state: %w", err)
	}
	dir := filepath.Dir(e.opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("paper: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".paper-*.json")
	if err != nil {
		return fmt.Errorf("paper: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("paper: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("paper: write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.opts.Path); err != nil {
		return fmt.Errorf("paper: write state: %w", err)
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.opts.Now != nil {
		return e.opts.Now()
	}
	return time.Now().UTC()
}

var _ broker.Broker = (*Engine)(nil)
