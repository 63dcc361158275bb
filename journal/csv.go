// Package journal exports the order record and stored candles as CSV.
package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/store"
)

var (
	IntentHeader = []string{"id", "strategy", "instrument", "account", "marker", "client_order_id",
		"delta", "status", "broker_order_id", "attempts", "polls", "filled", "fill_price", "error", "created_at", "updated_at"}
	CandleHeader = []string{"time", "open", "high", "low", "close", "volume"}
)

// CSV writes journal rows to an underlying writer. The header is written
// before the first row.
type CSV struct {
	w      *csv.Writer
	header bool
}

func NewCSV(w io.Writer) *CSV {
	return &CSV{w: csv.NewWriter(w)}
}

func (j *CSV) WriteIntents(intents []store.OrderIntent) error {
	if err := j.writeHeader(IntentHeader); err != nil {
		return err
	}
	for _, in := range intents {
		err := j.w.Write([]string{
			in.ID,
			in.StrategyID,
			in.InstrumentID,
			in.Account,
			ts(in.Marker),
			in.ClientOrderID,
			in.RequestedQuantityDelta.String(),
			string(in.Status),
			in.BrokerOrderID,
			strconv.Itoa(in.Attempts),
			strconv.Itoa(in.Polls),
			in.FilledQuantity.String(),
			in.FillPrice.String(),
			in.LastError,
			ts(in.CreatedAt),
			ts(in.UpdatedAt),
		})
		if err != nil {
			return err
		}
	}
	j.w.Flush()
	return j.w.Error()
}

func (j *CSV) WriteCandles(candles []market.Candle) error {
	if err := j.writeHeader(CandleHeader); err != nil {
		return err
	}
	for _, c := range candles {
		err := j.w.Write([]string{ts(c.OpenTime), f(c.Open), f(c.High), f(c.Low), f(c.Close), f(c.Volume)})
		if err != nil {
			return err
		}
	}
	j.w.Flush()
	return j.w.Error()
}

func (j *CSV) writeHeader(h []string) error {
	if j.header {
		return nil
	}
	j.header = true
	return j.w.Write(h)
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
