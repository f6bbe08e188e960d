package store

// PostgreSQL schema
const postgresSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	trader_id TEXT PRIMARY KEY,
	market TEXT NOT NULL,
	cash NUMERIC NOT NULL,
	initial_capital NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	fees_paid NUMERIC NOT NULL,
	leverage_ceiling INTEGER NOT NULL,
	trading_day TEXT NOT NULL,
	next_seq BIGINT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	halted BOOLEAN NOT NULL DEFAULT false,
	halt_reason TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	trader_id TEXT NOT NULL REFERENCES portfolios(trader_id),
	symbol TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	locked_quantity NUMERIC NOT NULL,
	locked_day TEXT NOT NULL DEFAULT '',
	avg_price NUMERIC NOT NULL,
	borrowed NUMERIC NOT NULL,
	leverage INTEGER NOT NULL,
	mark_price NUMERIC NOT NULL,
	unrealized_pnl NUMERIC NOT NULL,
	opened_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (trader_id, symbol)
);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	trader_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	price NUMERIC NOT NULL,
	notional NUMERIC NOT NULL,
	commission NUMERIC NOT NULL,
	stamp_duty NUMERIC NOT NULL,
	cash_delta NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	leverage INTEGER NOT NULL,
	synthetic BOOLEAN NOT NULL,
	price_time BIGINT NOT NULL,
	trading_day TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	pos_quantity NUMERIC NOT NULL,
	pos_locked NUMERIC NOT NULL,
	pos_avg_price NUMERIC NOT NULL,
	pos_borrowed NUMERIC NOT NULL,
	executed_at BIGINT NOT NULL,
	UNIQUE (trader_id, seq)
);

CREATE TABLE IF NOT EXISTS rejections (
	id BIGSERIAL PRIMARY KEY,
	trader_id TEXT NOT NULL,
	cycle BIGINT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	price NUMERIC NOT NULL,
	reason TEXT NOT NULL,
	detail TEXT NOT NULL,
	synthetic BOOLEAN NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id BIGSERIAL PRIMARY KEY,
	trader_id TEXT NOT NULL,
	cycle BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	system_prompt TEXT,
	user_prompt TEXT,
	raw_response TEXT,
	intents TEXT,
	parse_failure BOOLEAN NOT NULL DEFAULT false,
	error TEXT NOT NULL DEFAULT '',
	notes TEXT,
	executed INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_values (
	id BIGSERIAL PRIMARY KEY,
	trader_id TEXT NOT NULL,
	cycle BIGINT NOT NULL,
	cash NUMERIC NOT NULL,
	position_value NUMERIC NOT NULL,
	liabilities NUMERIC NOT NULL,
	equity NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	unrealized_pnl NUMERIC NOT NULL,
	return_pct DOUBLE PRECISION NOT NULL,
	positions INTEGER NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_trader_seq ON trades(trader_id, seq);
CREATE INDEX IF NOT EXISTS idx_rejections_trader ON rejections(trader_id, id);
CREATE INDEX IF NOT EXISTS idx_decisions_trader ON decisions(trader_id, id);
CREATE INDEX IF NOT EXISTS idx_account_values_trader ON account_values(trader_id, id);
`

// SQLite schema
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	trader_id TEXT PRIMARY KEY,
	market TEXT NOT NULL,
	cash TEXT NOT NULL,
	initial_capital TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	fees_paid TEXT NOT NULL,
	leverage_ceiling INTEGER NOT NULL,
	trading_day TEXT NOT NULL,
	next_seq INTEGER NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	halted BOOLEAN NOT NULL DEFAULT 0,
	halt_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	trader_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity TEXT NOT NULL,
	locked_quantity TEXT NOT NULL,
	locked_day TEXT NOT NULL DEFAULT '',
	avg_price TEXT NOT NULL,
	borrowed TEXT NOT NULL,
	leverage INTEGER NOT NULL,
	mark_price TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	opened_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (trader_id, symbol),
	FOREIGN KEY(trader_id) REFERENCES portfolios(trader_id)
);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	trader_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	notional TEXT NOT NULL,
	commission TEXT NOT NULL,
	stamp_duty TEXT NOT NULL,
	cash_delta TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	leverage INTEGER NOT NULL,
	synthetic BOOLEAN NOT NULL,
	price_time INTEGER NOT NULL,
	trading_day TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	pos_quantity TEXT NOT NULL,
	pos_locked TEXT NOT NULL,
	pos_avg_price TEXT NOT NULL,
	pos_borrowed TEXT NOT NULL,
	executed_at INTEGER NOT NULL,
	UNIQUE (trader_id, seq)
);

CREATE TABLE IF NOT EXISTS rejections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trader_id TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	reason TEXT NOT NULL,
	detail TEXT NOT NULL,
	synthetic BOOLEAN NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trader_id TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	system_prompt TEXT,
	user_prompt TEXT,
	raw_response TEXT,
	intents TEXT,
	parse_failure BOOLEAN NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	notes TEXT,
	executed INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_values (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trader_id TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	cash TEXT NOT NULL,
	position_value TEXT NOT NULL,
	liabilities TEXT NOT NULL,
	equity TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	return_pct REAL NOT NULL,
	positions INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_trader_seq ON trades(trader_id, seq);
CREATE INDEX IF NOT EXISTS idx_rejections_trader ON rejections(trader_id, id);
CREATE INDEX IF NOT EXISTS idx_decisions_trader ON decisions(trader_id, id);
CREATE INDEX IF NOT EXISTS idx_account_values_trader ON account_values(trader_id, id);
`
