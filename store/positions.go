package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/shopspring/decimal"
)

// DesiredPosition is a strategy's target for one instrument, stamped with
// the open time of the newest candle it consumed (AsOf) and a hash of the
// whole input window.
type DesiredPosition struct {
	StrategyID       string
	InstrumentID     string
	AsOf             time.Time
	Timeframe        market.Timeframe
	TargetQuantity   decimal.Decimal
	Confidence       float64
	InputFingerprint string
	Metadata         map[string]float64
	CreatedAt        time.Time
}

// Marker is the freshness marker carried downstream.
func (d DesiredPosition) Marker() string {
	return d.AsOf.UTC().Format(time.RFC3339)
}

// InsertDesiredPosition records dp. Evaluating the same inputs twice is a
// no-op: inserted is false when the (strategy, instrument, as_of) row
// already exists. History is never overwritten.
func (s *Store) InsertDesiredPosition(ctx context.Context, dp DesiredPosition) (inserted bool, err error) {
	meta, err := json.Marshal(dp.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	if dp.Metadata == nil {
		meta = []byte("{}")
	}
	r, err := s.exec(ctx, `
		INSERT INTO desired_positions
			(strategy_id, instrument_id, as_of, timeframe, target_quantity, confidence, input_fingerprint, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id, instrument_id, as_of) DO NOTHING`,
		dp.StrategyID, dp.InstrumentID, ms(dp.AsOf), string(dp.Timeframe), dp.TargetQuantity.String(),
		dp.Confidence, dp.InputFingerprint, string(meta), ms(dp.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert desired position %s/%s: %w", dp.StrategyID, dp.InstrumentID, err)
	}
	n, _ := r.RowsAffected()
	return n > 0, nil
}

// LatestDesiredPosition returns the newest record for the key.
func (s *Store) LatestDesiredPosition(ctx context.Context, strategyID, instrumentID string) (DesiredPosition, bool, error) {
	row := s.queryRow(ctx, `
		SELECT strategy_id, instrument_id, as_of, timeframe, target_quantity, confidence, input_fingerprint, metadata, created_at
		FROM desired_positions
		WHERE strategy_id = ? AND instrument_id = ?
		ORDER BY as_of DESC
		LIMIT 1`, strategyID, instrumentID)

	var dp DesiredPosition
	var asOf, created int64
	var tf, qty, meta string
	err := row.Scan(&dp.StrategyID, &dp.InstrumentID, &asOf, &tf, &qty, &dp.Confidence, &dp.InputFingerprint, &meta, &created)
	if err == sql.ErrNoRows {
		return dp, false, nil
	}
	if err != nil {
		return dp, false, err
	}
	dp.AsOf = fromMS(asOf)
	dp.CreatedAt = fromMS(created)
	dp.Timeframe = market.Timeframe(tf)
	if dp.TargetQuantity, err = decimal.NewFromString(qty); err != nil {
		return dp, false, fmt.Errorf("desired position %s/%s: %w", strategyID, instrumentID, err)
	}
	if err := json.Unmarshal([]byte(meta), &dp.Metadata); err != nil {
		return dp, false, fmt.Errorf("desired position %s/%s metadata: %w", strategyID, instrumentID, err)
	}
	return dp, true, nil
}

// CountDesiredPositions counts history rows for the key.
func (s *Store) CountDesiredPositions(ctx context.Context, strategyID, instrumentID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM desired_positions WHERE strategy_id = ? AND instrument_id = ?`,
		strategyID, instrumentID).Scan(&n)
	return n, err
}

// Position is the last polled broker holding. The broker owns the truth.
type Position struct {
	Account      string
	InstrumentID string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	PolledAt     time.Time
}

func (s *Store) SavePosition(ctx context.Context, p Position) error {
	_, err := s.exec(ctx, `
		INSERT INTO positions (account, instrument_id, quantity, avg_price, polled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, instrument_id) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			polled_at = excluded.polled_at
		WHERE positions.polled_at <= excluded.polled_at`,
		p.Account, p.InstrumentID, p.Quantity.String(), p.AvgPrice.String(), ms(p.PolledAt))
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.Account, p.InstrumentID, err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, account, instrumentID string) (Position, bool, error) {
	p := Position{Account: account, InstrumentID: instrumentID}
	var qty, avg string
	var polled int64
	err := s.queryRow(ctx, `SELECT quantity, avg_price, polled_at FROM positions WHERE account = ? AND instrument_id = ?`,
		account, instrumentID).Scan(&qty, &avg, &polled)
	if err == sql.ErrNoRows {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	p.PolledAt = fromMS(polled)
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return p, false, err
	}
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return p, false, err
	}
	return p, true, nil
}

func (s *Store) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := s.query(ctx, `SELECT account, instrument_id, quantity, avg_price, polled_at FROM positions ORDER BY account, instrument_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var qty, avg string
		var polled int64
		if err := rows.Scan(&p.Account, &p.InstrumentID, &qty, &avg, &polled); err != nil {
			return nil, err
		}
		p.PolledAt = fromMS(polled)
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastReconciled returns the newest desired-position marker the reconciler
// has acted on for the key.
func (s *Store) LastReconciled(ctx context.Context, strategyID, instrumentID string) (time.Time, bool, error) {
	var v int64
	err := s.queryRow(ctx, `SELECT last_marker FROM reconciliations WHERE strategy_id = ? AND instrument_id = ?`,
		strategyID, instrumentID).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(v), true, nil
}

// MarkReconciled records marker for the key. The marker only moves forward.
func (s *Store) MarkReconciled(ctx context.Context, strategyID, instrumentID string, marker, now time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO reconciliations (strategy_id, instrument_id, last_marker, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (strategy_id, instrument_id) DO UPDATE SET
			last_marker = excluded.last_marker,
			updated_at = excluded.updated_at
		WHERE reconciliations.last_marker < excluded.last_marker`,
		strategyID, instrumentID, ms(marker), ms(now))
	if err != nil {
		return fmt.Errorf("mark reconciled %s/%s: %w", strategyID, instrumentID, err)
	}
	return nil
}
