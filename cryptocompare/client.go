// Package cryptocompare fetches crypto OHLC history from the CryptoCompare
// min-api.
package cryptocompare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/jobtrader/datasource"
	"github.com/rustyeddy/jobtrader/market"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public min-api endpoint.
const DefaultBaseURL = "https://min-api.cryptocompare.com"

// maxLimit is the most bars one histo request returns (plus one).
const maxLimit = 2000

type endpoint struct {
	path      string
	aggregate int
}

var endpoints = map[market.Timeframe]endpoint{
	market.M1:  {"/data/v2/histominute", 1},
	market.M5:  {"/data/v2/histominute", 5},
	market.M15: {"/data/v2/histominute", 15},
	market.M30: {"/data/v2/histominute", 30},
	market.H1:  {"/data/v2/histohour", 1},
	market.H4:  {"/data/v2/histohour", 4},
	market.D1:  {"/data/v2/histoday", 1},
}

type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: hc,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

type bar struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	VolumeFrom float64 `json:"volumefrom"`
	VolumeTo   float64 `json:"volumeto"`
}

type histoResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		TimeFrom int64 `json:"TimeFrom"`
		TimeTo   int64 `json:"TimeTo"`
		Data     []bar `json:"Data"`
	} `json:"Data"`
}

// HistoRequest asks for Limit bars ending at To (inclusive).
type HistoRequest struct {
	Base      string
	Quote     string
	Timeframe market.Timeframe
	Limit     int
	To        time.Time
}

// ResponseError is a reply with Response "Error".
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("cryptocompare http %d: %s", e.StatusCode, e.Message)
}

func (e *ResponseError) rateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || strings.Contains(strings.ToLower(e.Message), "rate limit")
}

// Histo returns bars oldest first. The API answers with Limit+1 bars.
func (c *Client) Histo(ctx context.Context, req HistoRequest) ([]market.Candle, error) {
	ep, ok := endpoints[req.Timeframe]
	if !ok {
		return nil, fmt.Errorf("timeframe %q not supported by cryptocompare", req.Timeframe)
	}
	if req.Base == "" || req.Quote == "" {
		return nil, fmt.Errorf("base and quote currency are required")
	}
	if req.Limit <= 0 || req.Limit > maxLimit {
		req.Limit = maxLimit
	}

	params := url.Values{}
	params.Set("fsym", req.Base)
	params.Set("tsym", req.Quote)
	params.Set("limit", strconv.Itoa(req.Limit))
	if ep.aggregate > 1 {
		params.Set("aggregate", strconv.Itoa(ep.aggregate))
	}
	if !req.To.IsZero() {
		params.Set("toTs", strconv.FormatInt(req.To.Unix(), 10))
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ep.path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", ep.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var hr histoResponse
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &hr) == nil && hr.Message != "" {
			msg = hr.Message
		}
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if hr.Response == "Error" {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: hr.Message}
	}

	pair := req.Base + "_" + req.Quote
	out := make([]market.Candle, 0, len(hr.Data.Data))
	for _, b := range hr.Data.Data {
		out = append(out, market.Candle{
			InstrumentID: pair,
			Timeframe:    req.Timeframe,
			OpenTime:     time.Unix(b.Time, 0).UTC(),
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.VolumeFrom,
		})
	}
	return out, nil
}

// Source adapts a Client to datasource.Source.
type Source struct {
	Client   *Client
	Now      func() time.Time
	MaxPages int
}

func (s *Source) Name() string { return "cryptocompare" }

// FetchCandles pages backwards from now until since is covered. Leading
// all-zero bars, which the API returns before a coin started trading, are
// dropped.
func (s *Source) FetchCandles(ctx context.Context, inst market.Instrument, tf market.Timeframe, since time.Time) ([]market.Candle, error) {
	d := tf.Duration()
	if d == 0 {
		return nil, fmt.Errorf("cryptocompare %s: unknown timeframe %q", inst.Symbol, tf)
	}
	maxPages := s.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	since = tf.Truncate(since)
	to := tf.Truncate(now)

	var pages [][]market.Candle
	for page := 0; page < maxPages && !to.Before(since); page++ {
		need := int(to.Sub(since)/d) + 1
		batch, err := s.Client.Histo(ctx, HistoRequest{
			Base:      inst.BaseCurrency,
			Quote:     inst.QuoteCurrency,
			Timeframe: tf,
			Limit:     min(need, maxLimit),
			To:        to,
		})
		if err != nil {
			return nil, sourceError(inst.Symbol, err)
		}
		if len(batch) == 0 {
			break
		}
		pages = append(pages, batch)
		oldest := batch[0].OpenTime
		if !oldest.After(since) || zeroBar(batch[0]) {
			break
		}
		to = oldest.Add(-d)
	}

	var out []market.Candle
	for i := len(pages) - 1; i >= 0; i-- {
		for _, c := range pages[i] {
			if c.OpenTime.Before(since) {
				continue
			}
			c.InstrumentID = inst.Symbol
			out = append(out, c)
		}
	}
	out = market.SortDedup(out)

	first := 0
	for first < len(out) && zeroBar(out[first]) {
		first++
	}
	return out[first:], nil
}

func zeroBar(c market.Candle) bool {
	return c.Open == 0 && c.High == 0 && c.Low == 0 && c.Close == 0
}

func sourceError(symbol string, err error) error {
	var re *ResponseError
	if errors.As(err, &re) {
		switch {
		case re.rateLimited():
			return fmt.Errorf("cryptocompare %s: %w: %v", symbol, datasource.ErrRateLimited, err)
		case re.StatusCode < 500:
			return fmt.Errorf("cryptocompare %s: %w: %v", symbol, datasource.ErrInvalidSymbol, err)
		}
	}
	return fmt.Errorf("cryptocompare %s: %w: %w", symbol, datasource.ErrUnavailable, err)
}

var _ datasource.Source = (*Source)(nil)
