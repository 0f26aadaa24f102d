package db

import "fmt"

// marketDataSchema creates the candle tables shared across paper/live modes
// (spec.md §4.3, §6 "market_data.db (candles, shared across modes)").
const marketDataSchema = `
CREATE TABLE IF NOT EXISTS minute_candles (
	symbol TEXT NOT NULL,
	minute_ts INTEGER NOT NULL,
	open INTEGER NOT NULL,
	high INTEGER NOT NULL,
	low INTEGER NOT NULL,
	close INTEGER NOT NULL,
	volume INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, minute_ts)
);
CREATE INDEX IF NOT EXISTS idx_minute_candles_symbol_ts ON minute_candles(symbol, minute_ts);

CREATE TABLE IF NOT EXISTS daily_candles (
	symbol TEXT NOT NULL,
	trade_date TEXT NOT NULL,
	open INTEGER NOT NULL,
	high INTEGER NOT NULL,
	low INTEGER NOT NULL,
	close INTEGER NOT NULL,
	volume INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, trade_date)
);
CREATE INDEX IF NOT EXISTS idx_daily_candles_symbol_date ON daily_candles(symbol, trade_date);
`

// tradingSchema creates the per-mode order/position/session/audit tables
// (spec.md §6 "trading_{paper|live}.db (orders, positions, daily summary,
// separated)").
const tradingSchema = `
CREATE TABLE IF NOT EXISTS managed_positions (
	symbol TEXT PRIMARY KEY,
	quantity INTEGER NOT NULL,
	avg_cost REAL NOT NULL,
	current_price INTEGER NOT NULL DEFAULT 0,
	strategy_name TEXT,
	entry_order_id TEXT,
	entry_time INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS managed_orders (
	order_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	ordered_qty INTEGER NOT NULL,
	price INTEGER NOT NULL,
	strategy_name TEXT NOT NULL,
	state TEXT NOT NULL,
	filled_qty INTEGER NOT NULL DEFAULT 0,
	filled_price INTEGER NOT NULL DEFAULT 0,
	avg_cost_snapshot REAL NOT NULL DEFAULT 0,
	branch_code TEXT,
	signal_price INTEGER,
	original_qty INTEGER NOT NULL DEFAULT 0,
	chase_in_progress INTEGER NOT NULL DEFAULT 0,
	sell_fallback_in_progress INTEGER NOT NULL DEFAULT 0,
	pnl INTEGER,
	pnl_rate REAL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_managed_orders_symbol ON managed_orders(symbol);
CREATE INDEX IF NOT EXISTS idx_managed_orders_state ON managed_orders(state);

CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	active_order_ids TEXT NOT NULL DEFAULT '[]',
	position_symbols TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	module TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	symbol TEXT,
	order_id TEXT,
	side TEXT,
	qty INTEGER,
	price INTEGER,
	strategy TEXT,
	status TEXT,
	reason TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	checksum TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_symbol ON audit_log(symbol);
CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id);

CREATE TABLE IF NOT EXISTS crash_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	detail TEXT NOT NULL
);
`

// ApplyMarketDataMigrations creates the candle schema if absent.
func ApplyMarketDataMigrations(d *Database) error {
	if _, err := d.DB.Exec(marketDataSchema); err != nil {
		return fmt.Errorf("db: apply market data schema: %w", err)
	}
	return nil
}

// ApplyTradingMigrations creates the order/position/session/audit schema if
// absent, then idempotently adds any columns introduced after the initial
// CREATE TABLE (ensureColumn/columnExists, kept from the teacher's
// pkg/db/schema.go migration pattern).
func ApplyTradingMigrations(d *Database) error {
	if _, err := d.DB.Exec(tradingSchema); err != nil {
		return fmt.Errorf("db: apply trading schema: %w", err)
	}
	if err := ensureColumn(d.DB, "managed_orders", "reason", "reason TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "session_state", "machine_id", "machine_id TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}
