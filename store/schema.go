package store

// Schema is valid for both SQLite and Postgres. Times are UTC unix
// milliseconds and decimals are text so both engines compare and round-trip
// them identically.
const Schema = `
CREATE TABLE IF NOT EXISTS instruments (
	symbol             TEXT PRIMARY KEY,
	base_currency      TEXT NOT NULL,
	quote_currency     TEXT NOT NULL,
	exchange           TEXT NOT NULL DEFAULT '',
	vehicle            TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	time_zone          TEXT NOT NULL DEFAULT '',
	forecast_time      TEXT NOT NULL DEFAULT '',
	order_time         TEXT NOT NULL DEFAULT '',
	min_trade_size     TEXT NOT NULL DEFAULT '0',
	quantity_precision INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS candles (
	instrument_id TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	open_time     BIGINT NOT NULL,
	open          DOUBLE PRECISION NOT NULL,
	high          DOUBLE PRECISION NOT NULL,
	low           DOUBLE PRECISION NOT NULL,
	close         DOUBLE PRECISION NOT NULL,
	volume        DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at    BIGINT NOT NULL,
	PRIMARY KEY (instrument_id, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS candle_freshness (
	instrument_id TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	high_water    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL,
	PRIMARY KEY (instrument_id, timeframe)
);

CREATE TABLE IF NOT EXISTS job_runs (
	job_name               TEXT PRIMARY KEY,
	last_run_at            BIGINT,
	last_success_at        BIGINT,
	last_input_fingerprint TEXT NOT NULL DEFAULT '',
	started_at             BIGINT,
	runs                   INTEGER NOT NULL DEFAULT 0,
	failures               INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS desired_positions (
	strategy_id       TEXT NOT NULL,
	instrument_id     TEXT NOT NULL,
	as_of             BIGINT NOT NULL,
	timeframe         TEXT NOT NULL,
	target_quantity   TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_fingerprint TEXT NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}',
	created_at        BIGINT NOT NULL,
	PRIMARY KEY (strategy_id, instrument_id, as_of)
);

CREATE TABLE IF NOT EXISTS order_intents (
	id                       TEXT PRIMARY KEY,
	instrument_id            TEXT NOT NULL,
	strategy_id              TEXT NOT NULL,
	marker                   BIGINT NOT NULL,
	client_order_id          TEXT NOT NULL UNIQUE,
	account                  TEXT NOT NULL,
	requested_quantity_delta TEXT NOT NULL,
	status                   TEXT NOT NULL,
	broker_order_id          TEXT NOT NULL DEFAULT '',
	attempts                 INTEGER NOT NULL DEFAULT 0,
	polls                    INTEGER NOT NULL DEFAULT 0,
	filled_quantity          TEXT NOT NULL DEFAULT '0',
	fill_price               TEXT NOT NULL DEFAULT '0',
	last_error               TEXT NOT NULL DEFAULT '',
	created_at               BIGINT NOT NULL,
	updated_at               BIGINT NOT NULL,
	UNIQUE (instrument_id, strategy_id, marker)
);

CREATE UNIQUE INDEX IF NOT EXISTS order_intents_one_open
	ON order_intents (instrument_id, strategy_id)
	WHERE status IN ('Pending', 'Submitted');

CREATE TABLE IF NOT EXISTS positions (
	account       TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	quantity      TEXT NOT NULL,
	avg_price     TEXT NOT NULL,
	polled_at     BIGINT NOT NULL,
	PRIMARY KEY (account, instrument_id)
);

CREATE TABLE IF NOT EXISTS reconciliations (
	strategy_id   TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	last_marker   BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL,
	PRIMARY KEY (strategy_id, instrument_id)
);
`
