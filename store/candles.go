package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rustyeddy/jobtrader/market"
)

// UpsertResult counts what an upsert did.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	// Frozen counts differing bars that were not rewritten because they
	// are older than the mutable window.
	Frozen int
}

// UpsertCandles merges candles for one pair. New keys are inserted.
// Existing keys with identical values are left untouched. Existing keys
// whose values differ are rewritten only when open_time >= mutableFrom.
func (s *Store) UpsertCandles(ctx context.Context, pair market.Pair, candles []market.Candle, mutableFrom time.Time) (UpsertResult, error) {
	var res UpsertResult
	if len(candles) == 0 {
		return res, nil
	}
	for _, c := range candles {
		if c.Key() != pair {
			return res, fmt.Errorf("upsert %s: candle for %s", pair, c.Key())
		}
		if err := c.Validate(); err != nil {
			return res, fmt.Errorf("upsert %s: %w", pair, err)
		}
	}
	candles = market.SortDedup(append([]market.Candle(nil), candles...))

	unlock := s.locks.Lock("candles/" + pair.String())
	defer unlock()

	now := ms(time.Now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.candlesTx(ctx, tx, pair, candles[0].OpenTime, candles[len(candles)-1].OpenTime)
		if err != nil {
			return err
		}
		have := make(map[int64]market.Candle, len(existing))
		for _, c := range existing {
			have[ms(c.OpenTime)] = c
		}

		for _, c := range candles {
			key := ms(c.OpenTime)
			old, ok := have[key]
			switch {
			case !ok:
				r, err := tx.ExecContext(ctx, s.rebind(`
					INSERT INTO candles (instrument_id, timeframe, open_time, open, high, low, close, volume, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT (instrument_id, timeframe, open_time) DO NOTHING`),
					c.InstrumentID, string(c.Timeframe), key, c.Open, c.High, c.Low, c.Close, c.Volume, now)
				if err != nil {
					return fmt.Errorf("insert candle %s@%d: %w", pair, key, err)
				}
				if n, _ := r.RowsAffected(); n > 0 {
					res.Inserted++
				} else {
					res.Unchanged++
				}
			case old.SameValues(c):
				res.Unchanged++
			case c.OpenTime.Before(mutableFrom):
				res.Frozen++
			default:
				_, err := tx.ExecContext(ctx, s.rebind(`
					UPDATE candles SET open = ?, high = ?, low = ?, close = ?, volume = ?, updated_at = ?
					WHERE instrument_id = ? AND timeframe = ? AND open_time = ?`),
					c.Open, c.High, c.Low, c.Close, c.Volume, now, c.InstrumentID, string(c.Timeframe), key)
				if err != nil {
					return fmt.Errorf("update candle %s@%d: %w", pair, key, err)
				}
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) candlesTx(ctx context.Context, tx *sql.Tx, pair market.Pair, from, to time.Time) ([]market.Candle, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT open_time, open, high, low, close, volume FROM candles
		WHERE instrument_id = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time`),
		pair.Instrument, string(pair.Timeframe), ms(from), ms(to))
	if err != nil {
		return nil, err
	}
	return scanCandles(rows, pair)
}

// Candles returns stored candles with from <= open_time <= to, oldest first.
func (s *Store) Candles(ctx context.Context, pair market.Pair, from, to time.Time) ([]market.Candle, error) {
	rows, err := s.query(ctx, `
		SELECT open_time, open, high, low, close, volume FROM candles
		WHERE instrument_id = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time`,
		pair.Instrument, string(pair.Timeframe), ms(from), ms(to))
	if err != nil {
		return nil, err
	}
	return scanCandles(rows, pair)
}

// LastCandles returns up to n candles with open_time <= upTo, oldest first.
func (s *Store) LastCandles(ctx context.Context, pair market.Pair, upTo time.Time, n int) ([]market.Candle, error) {
	if n <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := s.query(ctx, `
		SELECT open_time, open, high, low, close, volume FROM candles
		WHERE instrument_id = ? AND timeframe = ? AND open_time <= ?
		ORDER BY open_time DESC
		LIMIT ?`,
		pair.Instrument, string(pair.Timeframe), ms(upTo), n)
	if err != nil {
		return nil, err
	}
	out, err := scanCandles(rows, pair)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastCandleTime returns the newest stored open_time for pair.
func (s *Store) LastCandleTime(ctx context.Context, pair market.Pair) (time.Time, bool, error) {
	var v sql.NullInt64
	err := s.queryRow(ctx, `SELECT MAX(open_time) FROM candles WHERE instrument_id = ? AND timeframe = ?`,
		pair.Instrument, string(pair.Timeframe)).Scan(&v)
	if err != nil {
		return time.Time{}, false, err
	}
	return nullMS(v), v.Valid, nil
}

// CountCandles returns the number of stored candles for pair.
func (s *Store) CountCandles(ctx context.Context, pair market.Pair) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM candles WHERE instrument_id = ? AND timeframe = ?`,
		pair.Instrument, string(pair.Timeframe)).Scan(&n)
	return n, err
}

func scanCandles(rows *sql.Rows, pair market.Pair) ([]market.Candle, error) {
	defer rows.Close()
	var out []market.Candle
	for rows.Next() {
		c := market.Candle{InstrumentID: pair.Instrument, Timeframe: pair.Timeframe}
		var openTime int64
		if err := rows.Scan(&openTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.OpenTime = fromMS(openTime)
		out = append(out, c)
	}
	return out, rows.Err()
}

// HighWater returns the freshness mark for pair: the newest open_time the
// updater has fully ingested.
func (s *Store) HighWater(ctx context.Context, pair market.Pair) (time.Time, bool, error) {
	var v int64
	err := s.queryRow(ctx, `SELECT high_water FROM candle_freshness WHERE instrument_id = ? AND timeframe = ?`,
		pair.Instrument, string(pair.Timeframe)).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(v), true, nil
}

// AdvanceHighWater moves the freshness mark for pair forward to t. It
// never moves the mark backwards.
func (s *Store) AdvanceHighWater(ctx context.Context, pair market.Pair, t, now time.Time) error {
	unlock := s.locks.Lock("freshness/" + pair.String())
	defer unlock()

	_, err := s.exec(ctx, `
		INSERT INTO candle_freshness (instrument_id, timeframe, high_water, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instrument_id, timeframe) DO UPDATE SET
			high_water = excluded.high_water,
			updated_at = excluded.updated_at
		WHERE candle_freshness.high_water < excluded.high_water`,
		pair.Instrument, string(pair.Timeframe), ms(t), ms(now))
	if err != nil {
		return fmt.Errorf("advance high water %s: %w", pair, err)
	}
	return nil
}
