package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rustyeddy/jobtrader/gate"
	"github.com/rustyeddy/jobtrader/internal/logging"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/risk"
	"github.com/rustyeddy/jobtrader/strategies"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete jobtrader configuration.
type Config struct {
	Database    DatabaseConfig      `json:"database" yaml:"database"`
	Log         logging.Options     `json:"log" yaml:"log"`
	Gate        GateConfig          `json:"gate" yaml:"gate"`
	Jobs        JobsConfig          `json:"jobs" yaml:"jobs"`
	Instruments []market.Instrument `json:"instruments,omitempty" yaml:"instruments,omitempty"`
	Sources     SourcesConfig       `json:"sources" yaml:"sources"`
	Broker      BrokerConfig        `json:"broker" yaml:"broker"`
	Strategies  []strategies.Spec   `json:"strategies" yaml:"strategies"`
	Reconcile   ReconcileConfig     `json:"reconcile" yaml:"reconcile"`
	OHLC        OHLCConfig          `json:"ohlc" yaml:"ohlc"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite3" or "pgx"
	DSN    string `json:"dsn" yaml:"dsn"`
}

// GateConfig selects the cross-process job lock.
type GateConfig struct {
	Locker        string `json:"locker" yaml:"locker"` // "local", "file" or "redis"
	LockDir       string `json:"lock_dir,omitempty" yaml:"lock_dir,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisTTL      string `json:"redis_ttl,omitempty" yaml:"redis_ttl,omitempty"` // e.g. "30m"
}

// JobConfig is one job's cadence.
type JobConfig struct {
	Period    string `json:"period" yaml:"period"`                             // e.g. "1h", "24h"
	NotBefore string `json:"not_before,omitempty" yaml:"not_before,omitempty"` // "HH:MM"
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type JobsConfig struct {
	OHLC     JobConfig `json:"update_ohlc" yaml:"update_ohlc"`
	Strategy JobConfig `json:"update_strategy" yaml:"update_strategy"`
	Orders   JobConfig `json:"position_and_order" yaml:"position_and_order"`
}

type OANDAConfig struct {
	Env               string  `json:"env,omitempty" yaml:"env,omitempty"` // "practice" or "live"
	BaseURL           string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Token             string  `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout           string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
}

type CryptoCompareConfig struct {
	BaseURL           string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey            string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout           string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
}

type SourcesConfig struct {
	OANDA         OANDAConfig         `json:"oanda" yaml:"oanda"`
	CryptoCompare CryptoCompareConfig `json:"cryptocompare" yaml:"cryptocompare"`
}

// BrokerConfig selects where orders go. The oanda broker reuses
// sources.oanda credentials.
type BrokerConfig struct {
	Kind      string `json:"kind" yaml:"kind"` // "paper" or "oanda"
	StatePath string `json:"state_path,omitempty" yaml:"state_path,omitempty"`
}

type ReconcileConfig struct {
	MaxSignalAge   string                     `json:"max_signal_age" yaml:"max_signal_age"`
	MaxPositionAge string                     `json:"max_position_age" yaml:"max_position_age"`
	Thresholds     map[string]decimal.Decimal `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Limits         map[string]risk.Limits     `json:"limits,omitempty" yaml:"limits,omitempty"`
	SubmitAttempts int                        `json:"submit_attempts" yaml:"submit_attempts"`
	SubmitBackoff  string                     `json:"submit_backoff" yaml:"submit_backoff"`
	SubmitMaxWait  string                     `json:"submit_max_backoff" yaml:"submit_max_backoff"`
	SubmitTimeout  string                     `json:"submit_timeout" yaml:"submit_timeout"`
	PollAttempts   int                        `json:"poll_attempts" yaml:"poll_attempts"`
	PollInterval   string                     `json:"poll_interval" yaml:"poll_interval"`
	BrokerTimeout  string                     `json:"broker_timeout" yaml:"broker_timeout"`
	Concurrency    int                        `json:"concurrency" yaml:"concurrency"`
}

type OHLCConfig struct {
	// Timeframes are tracked for every instrument in addition to the
	// ones strategies read.
	Timeframes    []market.Timeframe `json:"timeframes,omitempty" yaml:"timeframes,omitempty"`
	OverlapBars   int                `json:"overlap_bars" yaml:"overlap_bars"`
	HistoryBars   int                `json:"history_bars" yaml:"history_bars"`
	Concurrency   int                `json:"concurrency" yaml:"concurrency"`
	FetchAttempts int                `json:"fetch_attempts" yaml:"fetch_attempts"`
	FetchBackoff  string             `json:"fetch_backoff" yaml:"fetch_backoff"`
	FetchTimeout  string             `json:"fetch_timeout" yaml:"fetch_timeout"`
}

// Duration parses s, returning def when s is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// Policy converts the job config into a gate policy.
func (j JobConfig) Policy() (gate.Policy, error) {
	period, err := Duration(j.Period, 0)
	if err != nil {
		return gate.Policy{}, fmt.Errorf("period: %w", err)
	}
	p := gate.Policy{Period: period, NotBefore: j.NotBefore, Location: time.UTC}
	if j.Timezone != "" {
		loc, err := time.LoadLocation(j.Timezone)
		if err != nil {
			return gate.Policy{}, fmt.Errorf("timezone: %w", err)
		}
		p.Location = loc
	}
	return p, p.Validate()
}

// TimeoutOr returns the body timeout, or def when unset.
func (j JobConfig) TimeoutOr(def time.Duration) (time.Duration, error) {
	return Duration(j.Timeout, def)
}

// Instrument resolves a symbol from the configured instruments, falling
// back to the built-in catalog.
func (c *Config) Instrument(symbol string) (market.Instrument, bool) {
	for _, in := range c.Instruments {
		if in.Symbol == symbol {
			return in, true
		}
	}
	in, ok := market.Instruments[symbol]
	return in, ok
}

// Pairs returns every (instrument, timeframe) the updater tracks: what each
// strategy reads plus ohlc.timeframes for every used instrument.
func (c *Config) Pairs() []market.Pair {
	seen := map[market.Pair]bool{}
	var out []market.Pair
	add := func(p market.Pair) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	var symbols []string
	for _, s := range c.Strategies {
		for _, sym := range s.Instruments {
			add(market.Pair{Instrument: sym, Timeframe: s.Timeframe})
			symbols = append(symbols, sym)
		}
	}
	for _, in := range c.Instruments {
		symbols = append(symbols, in.Symbol)
	}
	for _, sym := range symbols {
		for _, tf := range c.OHLC.Timeframes {
			add(market.Pair{Instrument: sym, Timeframe: tf})
		}
	}
	return out
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("OANDA_TOKEN"); v != "" {
		c.Sources.OANDA.Token = v
	}
	if v := getenv("CRYPTOCOMPARE_API_KEY"); v != "" {
		c.Sources.CryptoCompare.APIKey = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Gate.RedisPassword = v
	}
}

// LoadFromFile loads configuration from a file (YAML, or JSON as a
// fallback), applies environment overrides and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = &Config{}
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Gate.Locker == "" {
		c.Gate.Locker = "local"
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "paper"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver must be 'sqlite3' or 'pgx'")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if _, err := logging.NewWithWriter(c.Log, io.Discard); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	switch c.Gate.Locker {
	case "local":
	case "file":
		if c.Gate.LockDir == "" {
			return fmt.Errorf("gate.lock_dir required for file locker")
		}
	case "redis":
		if c.Gate.RedisAddr == "" {
			return fmt.Errorf("gate.redis_addr required for redis locker")
		}
		if _, err := Duration(c.Gate.RedisTTL, 0); err != nil {
			return fmt.Errorf("gate.redis_ttl: %w", err)
		}
	default:
		return fmt.Errorf("gate.locker must be 'local', 'file' or 'redis'")
	}

	for name, j := range map[string]JobConfig{
		"update_ohlc":        c.Jobs.OHLC,
		"update_strategy":    c.Jobs.Strategy,
		"position_and_order": c.Jobs.Orders,
	} {
		if _, err := j.Policy(); err != nil {
			return fmt.Errorf("jobs.%s: %w", name, err)
		}
		if _, err := j.TimeoutOr(0); err != nil {
			return fmt.Errorf("jobs.%s.timeout: %w", name, err)
		}
	}

	switch c.Broker.Kind {
	case "paper", "oanda":
	default:
		return fmt.Errorf("broker.kind must be 'paper' or 'oanda'")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	ids := map[string]bool{}
	owners := map[string]string{}
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy id is required")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		ids[s.ID] = true
		if _, err := strategies.New(s); err != nil {
			return err
		}
		if s.Account == "" {
			return fmt.Errorf("strategy %s: account is required", s.ID)
		}
		if len(s.Instruments) == 0 {
			return fmt.Errorf("strategy %s: at least one instrument is required", s.ID)
		}
		for _, sym := range s.Instruments {
			in, ok := c.Instrument(sym)
			if !ok {
				return fmt.Errorf("strategy %s: unknown instrument: %s", s.ID, sym)
			}
			switch in.Source {
			case "oanda", "cryptocompare":
			default:
				return fmt.Errorf("instrument %s: unknown source %q", sym, in.Source)
			}
			if err := in.Validate(); err != nil {
				return err
			}
			// Two strategies steering one holding would fight each other.
			k := s.Account + "/" + sym
			if other, ok := owners[k]; ok {
				return fmt.Errorf("instrument %s in account %s is traded by both %s and %s", sym, s.Account, other, s.ID)
			}
			owners[k] = s.ID
		}
	}
	for _, tf := range c.OHLC.Timeframes {
		if _, err := market.ParseTimeframe(string(tf)); err != nil {
			return fmt.Errorf("ohlc.timeframes: %w", err)
		}
	}

	for name, v := range map[string]string{
		"reconcile.max_signal_age":      c.Reconcile.MaxSignalAge,
		"reconcile.max_position_age":    c.Reconcile.MaxPositionAge,
		"reconcile.submit_backoff":      c.Reconcile.SubmitBackoff,
		"reconcile.submit_max_backoff":  c.Reconcile.SubmitMaxWait,
		"reconcile.submit_timeout":      c.Reconcile.SubmitTimeout,
		"reconcile.poll_interval":       c.Reconcile.PollInterval,
		"reconcile.broker_timeout":      c.Reconcile.BrokerTimeout,
		"ohlc.fetch_backoff":            c.OHLC.FetchBackoff,
		"ohlc.fetch_timeout":            c.OHLC.FetchTimeout,
		"sources.oanda.timeout":         c.Sources.OANDA.Timeout,
		"sources.cryptocompare.timeout": c.Sources.CryptoCompare.Timeout,
	} {
		if _, err := Duration(v, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for sym, l := range c.Reconcile.Limits {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("reconcile.limits.%s: %w", sym, err)
		}
	}
	for sym, th := range c.Reconcile.Thresholds {
		if th.IsNegative() {
			return fmt.Errorf("reconcile.thresholds.%s must not be negative", sym)
		}
	}
	return nil
}

// Default returns a configuration with sensible defaults: a local SQLite
// store, a paper broker and one daily EMAC strategy on BTC_USD.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "./jobtrader.db"},
		Log:      logging.Options{Level: "info", Format: "json"},
		Gate:     GateConfig{Locker: "file", LockDir: "./locks"},
		Jobs: JobsConfig{
			OHLC:     JobConfig{Period: "1h", Timeout: "10m"},
			Strategy: JobConfig{Period: "24h", NotBefore: "00:15", Timezone: "UTC", Timeout: "5m"},
			Orders:   JobConfig{Period: "24h", NotBefore: "00:30", Timezone: "UTC", Timeout: "5m"},
		},
		Sources: SourcesConfig{
			OANDA:         OANDAConfig{Env: "practice", Timeout: "30s", RequestsPerSecond: 10},
			CryptoCompare: CryptoCompareConfig{Timeout: "30s", RequestsPerSecond: 5},
		},
		Broker: BrokerConfig{Kind: "paper", StatePath: "./paper-broker.json"},
		Strategies: []strategies.Spec{{
			ID:          "emac-btc",
			Kind:        "emac",
			Timeframe:   market.D1,
			Instruments: []string{"BTC_USD"},
			Account:     "paper",
			Capital:     decimal.NewFromInt(10000),
			RiskTarget:  0.2,
		}},
		Reconcile: ReconcileConfig{
			MaxSignalAge:   "24h",
			MaxPositionAge: "1h",
			SubmitAttempts: 4,
			SubmitBackoff:  "1s",
			SubmitMaxWait:  "15s",
			SubmitTimeout:  "15s",
			PollAttempts:   5,
			PollInterval:   "2s",
			BrokerTimeout:  "15s",
			Concurrency:    4,
		},
		OHLC: OHLCConfig{
			OverlapBars:   2,
			HistoryBars:   1000,
			Concurrency:   4,
			FetchAttempts: 3,
			FetchBackoff:  "1s",
			FetchTimeout:  "30s",
		},
	}
}
