// config.go persists runtime config overrides as a key/value table. The
// full trading config is stored as one JSON blob under a single key and
// swapped transactionally, so a rejected update leaves the prior config
// untouched.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"coinbase-gridbot/internal/config"
)

const tradingConfigKey = "trading"

// LoadTradingConfig returns the persisted trading config, or (fallback,
// false) when none has been saved yet.
func (s *Store) LoadTradingConfig(ctx context.Context, fallback config.TradingConfig) (config.TradingConfig, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, tradingConfigKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, false, nil
	}
	if err != nil {
		return fallback, false, fmt.Errorf("load trading config: %w", err)
	}

	cfg := fallback
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fallback, false, fmt.Errorf("decode trading config: %w", err)
	}
	return cfg, true, nil
}

// SaveTradingConfig validates and persists a trading config atomically.
func (s *Store) SaveTradingConfig(ctx context.Context, cfg config.TradingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid trading config: %w", err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode trading config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		tradingConfigKey, string(raw))
	if err != nil {
		return fmt.Errorf("save trading config: %w", err)
	}
	return nil
}
