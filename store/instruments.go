package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/shopspring/decimal"
)

const instrumentColumns = `symbol, base_currency, quote_currency, exchange, vehicle, source,
	time_zone, forecast_time, order_time, min_trade_size, quantity_precision`

// UpsertInstrument inserts or replaces one instrument row.
func (s *Store) UpsertInstrument(ctx context.Context, in market.Instrument) error {
	if in.Symbol == "" {
		return errors.New("instrument symbol is required")
	}
	_, err := s.exec(ctx, `
		INSERT INTO instruments (`+instrumentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			base_currency = excluded.base_currency,
			quote_currency = excluded.quote_currency,
			exchange = excluded.exchange,
			vehicle = excluded.vehicle,
			source = excluded.source,
			time_zone = excluded.time_zone,
			forecast_time = excluded.forecast_time,
			order_time = excluded.order_time,
			min_trade_size = excluded.min_trade_size,
			quantity_precision = excluded.quantity_precision`,
		in.Symbol, in.BaseCurrency, in.QuoteCurrency, in.Exchange, in.Vehicle, in.Source,
		in.TimeZone, in.ForecastTime, in.OrderTime, in.MinTradeSize.String(), in.QuantityPrecision,
	)
	if err != nil {
		return fmt.Errorf("upsert instrument %s: %w", in.Symbol, err)
	}
	return nil
}

func (s *Store) GetInstrument(ctx context.Context, symbol string) (market.Instrument, error) {
	row := s.queryRow(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE symbol = ?`, symbol)
	in, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Instrument{}, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	return in, err
}

func (s *Store) ListInstruments(ctx context.Context) ([]market.Instrument, error) {
	rows, err := s.query(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstrument(r scanner) (market.Instrument, error) {
	var in market.Instrument
	var minTrade string
	err := r.Scan(&in.Symbol, &in.BaseCurrency, &in.QuoteCurrency, &in.Exchange, &in.Vehicle, &in.Source,
		&in.TimeZone, &in.ForecastTime, &in.OrderTime, &minTrade, &in.QuantityPrecision)
	if err != nil {
		return in, err
	}
	in.MinTradeSize, err = decimal.NewFromString(minTrade)
	return in, err
}
