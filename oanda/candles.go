package oanda

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rustyeddy/jobtrader/datasource"
	"github.com/rustyeddy/jobtrader/market"
)

// Granularity represents the time frame for candles
type Granularity string

const (
	M1  Granularity = "M1"
	M5  Granularity = "M5"
	M15 Granularity = "M15"
	M30 Granularity = "M30"
	H1  Granularity = "H1"
	H4  Granularity = "H4"
	D   Granularity = "D"
)

var granularities = map[market.Timeframe]Granularity{
	market.M1:  M1,
	market.M5:  M5,
	market.M15: M15,
	market.M30: M30,
	market.H1:  H1,
	market.H4:  H4,
	market.D1:  D,
}

// PriceComponent represents the price component for candles
type PriceComponent string

const (
	MidPrice PriceComponent = "M"
	BidPrice PriceComponent = "B"
	AskPrice PriceComponent = "A"
)

// maxCount is the most candles OANDA returns per request.
const maxCount = 5000

// CandlesRequest represents parameters for fetching historical candles
type CandlesRequest struct {
	Instrument string
	Timeframe  market.Timeframe
	Price      PriceComponent // default MidPrice
	From       time.Time
	Count      int // default and max 5000
}

type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid,omitempty"`
	Bid      candleData `json:"bid,omitempty"`
	Ask      candleData `json:"ask,omitempty"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// GetCandles fetches one page of candles. Incomplete candles are skipped.
// Daily and four-hour candles are aligned to 00:00 UTC.
func (c *Client) GetCandles(ctx context.Context, req CandlesRequest) ([]market.Candle, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	gran, ok := granularities[req.Timeframe]
	if !ok {
		return nil, fmt.Errorf("timeframe %q not supported by oanda", req.Timeframe)
	}
	if req.Price == "" {
		req.Price = MidPrice
	}
	if req.Count <= 0 || req.Count > maxCount {
		req.Count = maxCount
	}

	params := url.Values{}
	params.Set("price", string(req.Price))
	params.Set("granularity", string(gran))
	params.Set("count", strconv.Itoa(req.Count))
	params.Set("dailyAlignment", "0")
	params.Set("alignmentTimezone", "UTC")
	if !req.From.IsZero() {
		params.Set("from", req.From.UTC().Format(time.RFC3339))
	}

	var resp candlesResponse
	if err := c.do(ctx, http.MethodGet, "/v3/instruments/"+url.PathEscape(req.Instrument)+"/candles", params, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(resp.Candles))
	for _, ac := range resp.Candles {
		if !ac.Complete {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, ac.Time)
		if err != nil {
			return nil, fmt.Errorf("parse time %s: %w", ac.Time, err)
		}

		data := ac.Mid
		switch req.Price {
		case BidPrice:
			data = ac.Bid
		case AskPrice:
			data = ac.Ask
		}

		candle := market.Candle{
			InstrumentID: req.Instrument,
			Timeframe:    req.Timeframe,
			OpenTime:     t.UTC(),
			Volume:       float64(ac.Volume),
		}
		for _, f := range []struct {
			s   string
			dst *float64
		}{{data.O, &candle.Open}, {data.H, &candle.High}, {data.L, &candle.Low}, {data.C, &candle.Close}} {
			v, err := strconv.ParseFloat(f.s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse price %q at %s: %w", f.s, ac.Time, err)
			}
			*f.dst = v
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Source adapts a Client to datasource.Source.
type Source struct {
	Client *Client
	// MaxPages bounds how many 5000-candle pages one fetch may walk.
	MaxPages int
}

func (s *Source) Name() string { return "oanda" }

// FetchCandles pages forward from since until OANDA returns a short page.
func (s *Source) FetchCandles(ctx context.Context, inst market.Instrument, tf market.Timeframe, since time.Time) ([]market.Candle, error) {
	maxPages := s.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	var out []market.Candle
	from := since
	for page := 0; page < maxPages; page++ {
		batch, err := s.Client.GetCandles(ctx, CandlesRequest{Instrument: inst.Symbol, Timeframe: tf, From: from})
		if err != nil {
			return out, sourceError(inst.Symbol, err)
		}
		out = append(out, batch...)
		if len(batch) < maxCount-1 {
			break
		}
		from = batch[len(batch)-1].OpenTime.Add(tf.Duration())
	}
	return out, nil
}

func sourceError(symbol string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("oanda candles %s: %w: %v", symbol, datasource.ErrRateLimited, err)
		case apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("oanda candles %s: %w: %v", symbol, datasource.ErrInvalidSymbol, err)
		}
	}
	return fmt.Errorf("oanda candles %s: %w: %w", symbol, datasource.ErrUnavailable, err)
}

var _ datasource.Source = (*Source)(nil)
