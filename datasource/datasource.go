// Package datasource defines the market data adapter capability.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/market"
)

var (
	// ErrRateLimited means the source throttled the request.
	ErrRateLimited = fmt.Errorf("rate limited: %w", errs.ErrSourceUnavailable)

	// ErrUnavailable means the source could not be reached or failed.
	ErrUnavailable = fmt.Errorf("unavailable: %w", errs.ErrSourceUnavailable)

	// ErrInvalidSymbol means the source does not know the instrument.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// Source fetches closed and in-progress candles. Returned candles are in
// ascending open time, start at or after since, and may include the
// current unfinished interval; callers filter that out.
type Source interface {
	Name() string
	FetchCandles(ctx context.Context, inst market.Instrument, tf market.Timeframe, since time.Time) ([]market.Candle, error)
}

// Retryable reports whether a fetch error is transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidSymbol) {
		return false
	}
	if errors.Is(err, errs.ErrSourceUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Set selects a source by name.
type Set map[string]Source

// For returns the source configured for inst.
func (s Set) For(inst market.Instrument) (Source, error) {
	src, ok := s[inst.Source]
	if !ok {
		return nil, fmt.Errorf("instrument %s: no data source %q", inst.Symbol, inst.Source)
	}
	return src, nil
}
