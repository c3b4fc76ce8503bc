package db

import "fmt"

// Timestamps are stored as unix nanoseconds so ordering and arithmetic
// stay in SQL (leases and rate buckets compare them directly).
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    pair_key TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    stop_loss REAL NOT NULL,
    take_profit REAL NOT NULL,
    size REAL NOT NULL,
    risk_amount REAL NOT NULL,
    unit_value REAL NOT NULL,
    pip_size REAL NOT NULL,
    status TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    opened_at_ns INTEGER NOT NULL,
    closed_at_ns INTEGER NOT NULL DEFAULT 0,
    exit_price REAL NOT NULL DEFAULT 0,
    result_units REAL NOT NULL DEFAULT 0,
    result_value REAL NOT NULL DEFAULT 0,
    is_real INTEGER NOT NULL DEFAULT 0,
    external_ref TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS candles (
    pair_key TEXT NOT NULL,
    timeframe_sec INTEGER NOT NULL,
    open_time_ns INTEGER NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (pair_key, timeframe_sec, open_time_ns)
);

CREATE TABLE IF NOT EXISTS rate_buckets (
    bucket_key TEXT PRIMARY KEY,
    tokens REAL NOT NULL,
    last_refill_ns INTEGER NOT NULL,
    capacity REAL NOT NULL,
    refill_per_second REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS pair_leases (
    lease_key TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    expires_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    initial REAL NOT NULL,
    current REAL NOT NULL,
    peak REAL NOT NULL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    wins INTEGER NOT NULL DEFAULT 0,
    losses INTEGER NOT NULL DEFAULT 0,
    max_drawdown_seen REAL NOT NULL DEFAULT 0,
    updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event TEXT NOT NULL,
    order_id TEXT NOT NULL DEFAULT '',
    pair_key TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at_ns INTEGER NOT NULL
);
`

// ApplyMigrations creates tables if they do not exist.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if _, err := d.DB.Exec(`
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
		CREATE INDEX IF NOT EXISTS idx_orders_pair_status ON orders(pair_key, status);
		CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);
	`); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	return nil
}
