// Package store provides crash-safe persistence on SQLite.
//
// A single database file holds everything the bot needs to survive a
// restart: markets, orders, fills, lots, engine state, runtime config
// overrides, the audit log, and daily PnL snapshots. WAL mode keeps
// concurrent API reads cheap while the engine writes.
//
// The single-active-market rule is enforced at the schema level with a
// partial unique index on markets(enabled): two enabled rows cannot exist,
// no matter what the code above does.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. All methods are safe for concurrent use;
// database/sql serializes access to the single writer connection.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id          TEXT PRIMARY KEY,
		enabled     INTEGER NOT NULL DEFAULT 0,
		is_favorite INTEGER NOT NULL DEFAULT 0,
		ranking     INTEGER NOT NULL DEFAULT 0,
		volume_24h  REAL NOT NULL DEFAULT 0,
		settings    TEXT NOT NULL DEFAULT '{}',
		updated_at  TEXT NOT NULL
	)`,
	// At most one market may be enabled at any time.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_markets_single_enabled
		ON markets(enabled) WHERE enabled = 1`,
	`CREATE TABLE IF NOT EXISTS orders (
		id         TEXT PRIMARY KEY,
		client_tag TEXT NOT NULL UNIQUE,
		market_id  TEXT NOT NULL,
		side       TEXT NOT NULL,
		price      REAL NOT NULL,
		size       REAL NOT NULL,
		status     TEXT NOT NULL,
		lot_id     INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_market_status ON orders(market_id, status)`,
	`CREATE TABLE IF NOT EXISTS fills (
		id        TEXT PRIMARY KEY,
		order_id  TEXT NOT NULL,
		market_id TEXT NOT NULL,
		side      TEXT NOT NULL,
		price     REAL NOT NULL,
		size      REAL NOT NULL,
		fee       REAL NOT NULL,
		ts        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_market_ts ON fills(market_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id)`,
	`CREATE TABLE IF NOT EXISTS lots (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		market_id         TEXT NOT NULL,
		buy_order_id      TEXT NOT NULL,
		buy_price         REAL NOT NULL,
		buy_size          REAL NOT NULL,
		buy_cost          REAL NOT NULL,
		buy_fee           REAL NOT NULL,
		buy_time          TEXT NOT NULL,
		sell_order_id     TEXT NOT NULL DEFAULT '',
		sell_price        REAL NOT NULL DEFAULT 0,
		sell_time         TEXT,
		sell_attempts     INTEGER NOT NULL DEFAULT 0,
		last_sell_attempt TEXT,
		sell_filled_size  REAL NOT NULL DEFAULT 0,
		realized_pnl      REAL NOT NULL DEFAULT 0,
		status            TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lots_market_status ON lots(market_id, status)`,
	// One lot per buy fill, one lot per resting sell. The buy uniqueness
	// is the last line of defense against double-created lots on replay.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_lots_buy_order ON lots(buy_order_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_lots_sell_order
		ON lots(sell_order_id) WHERE sell_order_id != ''`,
	`CREATE TABLE IF NOT EXISTS bot_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		market_id    TEXT NOT NULL DEFAULT '',
		anchor_high  REAL NOT NULL DEFAULT 0,
		mode         TEXT NOT NULL DEFAULT 'STOPPED',
		last_tick_at TEXT
	)`,
	// Per-market anchor memory: restarting a market resumes its anchor
	// instead of re-seeding from the current price.
	`CREATE TABLE IF NOT EXISTS market_anchors (
		market_id   TEXT PRIMARY KEY,
		anchor_high REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          TEXT NOT NULL,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		before_json TEXT NOT NULL DEFAULT '',
		after_json  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS daily_snapshots (
		date           TEXT PRIMARY KEY,
		realized_pnl   REAL NOT NULL,
		trade_count    INTEGER NOT NULL,
		cumulative_pnl REAL NOT NULL
	)`,
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets readers proceed during engine writes; busy_timeout avoids
	// spurious SQLITE_BUSY from the API goroutines.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	// Singleton state row.
	if _, err := db.Exec(`INSERT OR IGNORE INTO bot_state (id) VALUES (1)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed bot_state: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tx runs fn inside a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Timestamps are stored as RFC3339Nano UTC strings.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
