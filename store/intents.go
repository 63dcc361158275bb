package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an OrderIntent.
type OrderStatus string

const (
	StatusPending   OrderStatus = "Pending"
	StatusSubmitted OrderStatus = "Submitted"
	StatusFilled    OrderStatus = "Filled"
	StatusRejected  OrderStatus = "Rejected"
	StatusCancelled OrderStatus = "Cancelled"
)

// ErrInvalidTransition is returned for a status change the lifecycle does
// not allow, or when the stored status moved under the caller.
var ErrInvalidTransition = errors.New("invalid order intent transition")

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusSubmitted, StatusRejected, StatusCancelled},
	StatusSubmitted: {StatusSubmitted, StatusFilled, StatusRejected, StatusCancelled},
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderIntent is recorded before any broker submission so a retried
// reconciliation finds it instead of submitting again. It is keyed by
// (instrument, strategy, marker) and ClientOrderID is derived from that key.
type OrderIntent struct {
	ID                     string
	InstrumentID           string
	StrategyID             string
	Marker                 time.Time
	ClientOrderID          string
	Account                string
	RequestedQuantityDelta decimal.Decimal
	Status                 OrderStatus
	BrokerOrderID          string
	Attempts               int
	Polls                  int
	FilledQuantity         decimal.Decimal
	FillPrice              decimal.Decimal
	LastError              string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

const intentColumns = `id, instrument_id, strategy_id, marker, client_order_id, account,
	requested_quantity_delta, status, broker_order_id, attempts, polls,
	filled_quantity, fill_price, last_error, created_at, updated_at`

// CreateIntent inserts a Pending intent. It returns ErrConflict when an
// intent for the same marker exists or another intent for the
// (instrument, strategy) key is still open.
func (s *Store) CreateIntent(ctx context.Context, in OrderIntent) error {
	if in.Status == "" {
		in.Status = StatusPending
	}
	if in.Status != StatusPending {
		return fmt.Errorf("create intent with status %s: %w", in.Status, ErrInvalidTransition)
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = in.CreatedAt
	}

	unlock := s.locks.Lock("intent/" + in.InstrumentID + "/" + in.StrategyID)
	defer unlock()

	_, err := s.exec(ctx, `INSERT INTO order_intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.InstrumentID, in.StrategyID, ms(in.Marker), in.ClientOrderID, in.Account,
		in.RequestedQuantityDelta.String(), string(in.Status), in.BrokerOrderID, in.Attempts, in.Polls,
		in.FilledQuantity.String(), in.FillPrice.String(), in.LastError, ms(in.CreatedAt), ms(in.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("intent %s/%s@%d: %w", in.InstrumentID, in.StrategyID, ms(in.Marker), ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create intent %s/%s: %w", in.InstrumentID, in.StrategyID, err)
	}
	return nil
}

// UpdateIntent writes in and moves its status from `from` to in.Status. The
// write fails with ErrInvalidTransition when the transition is illegal or
// the stored status is no longer `from`.
func (s *Store) UpdateIntent(ctx context.Context, in OrderIntent, from OrderStatus) error {
	if !CanTransition(from, in.Status) {
		return fmt.Errorf("intent %s %s -> %s: %w", in.ID, from, in.Status, ErrInvalidTransition)
	}

	unlock := s.locks.Lock("intent/" + in.InstrumentID + "/" + in.StrategyID)
	defer unlock()

	r, err := s.exec(ctx, `
		UPDATE order_intents SET
			status = ?, broker_order_id = ?, attempts = ?, polls = ?,
			filled_quantity = ?, fill_price = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(in.Status), in.BrokerOrderID, in.Attempts, in.Polls,
		in.FilledQuantity.String(), in.FillPrice.String(), in.LastError, ms(in.UpdatedAt),
		in.ID, string(from))
	if err != nil {
		return fmt.Errorf("update intent %s: %w", in.ID, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s is no longer %s: %w", in.ID, from, ErrInvalidTransition)
	}
	return nil
}

// IntentByMarker returns the intent created for the freshness marker.
func (s *Store) IntentByMarker(ctx context.Context, instrumentID, strategyID string, marker time.Time) (OrderIntent, bool, error) {
	return s.oneIntent(ctx, `SELECT `+intentColumns+` FROM order_intents
		WHERE instrument_id = ? AND strategy_id = ? AND marker = ?`,
		instrumentID, strategyID, ms(marker))
}

// OpenIntent returns the non-terminal intent for the key, if any.
func (s *Store) OpenIntent(ctx context.Context, instrumentID, strategyID string) (OrderIntent, bool, error) {
	return s.oneIntent(ctx, `SELECT `+intentColumns+` FROM order_intents
		WHERE instrument_id = ? AND strategy_id = ? AND status IN ('Pending', 'Submitted')`,
		instrumentID, strategyID)
}

// GetIntent returns an intent by id.
func (s *Store) GetIntent(ctx context.Context, id string) (OrderIntent, error) {
	in, ok, err := s.oneIntent(ctx, `SELECT `+intentColumns+` FROM order_intents WHERE id = ?`, id)
	if err != nil {
		return in, err
	}
	if !ok {
		return in, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return in, nil
}

// ListIntents returns intents, newest first. An empty status lists all.
func (s *Store) ListIntents(ctx context.Context, status OrderStatus, limit int) ([]OrderIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + intentColumns + ` FROM order_intents`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// CountIntents counts intents for the key, optionally only open ones.
func (s *Store) CountIntents(ctx context.Context, instrumentID, strategyID string, openOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM order_intents WHERE instrument_id = ? AND strategy_id = ?`
	if openOnly {
		q += ` AND status IN ('Pending', 'Submitted')`
	}
	var n int
	err := s.queryRow(ctx, q, instrumentID, strategyID).Scan(&n)
	return n, err
}

func (s *Store) oneIntent(ctx context.Context, q string, args ...any) (OrderIntent, bool, error) {
	in, err := scanIntent(s.queryRow(ctx, q, args...))
	if err == sql.ErrNoRows {
		return OrderIntent{}, false, nil
	}
	if err != nil {
		return OrderIntent{}, false, err
	}
	return in, true, nil
}

func scanIntent(r scanner) (OrderIntent, error) {
	var in OrderIntent
	var marker, created, updated int64
	var delta, filled, price, status string
	err := r.Scan(&in.ID, &in.InstrumentID, &in.StrategyID, &marker, &in.ClientOrderID, &in.Account,
		&delta, &status, &in.BrokerOrderID, &in.Attempts, &in.Polls,
		&filled, &price, &in.LastError, &created, &updated)
	if err != nil {
		return in, err
	}
	in.Status = OrderStatus(status)
	in.Marker = fromMS(marker)
	in.CreatedAt = fromMS(created)
	in.UpdatedAt = fromMS(updated)
	if in.RequestedQuantityDelta, err = decimal.NewFromString(delta); err != nil {
		return in, err
	}
	if in.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return in, err
	}
	if in.FillPrice, err = decimal.NewFromString(price); err != nil {
		return in, err
	}
	return in, nil
}

// CountOpenIntents counts Pending and Submitted intents across all keys.
func (s *Store) CountOpenIntents(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM order_intents WHERE status IN ('Pending', 'Submitted')`).Scan(&n)
	return n, err
}
