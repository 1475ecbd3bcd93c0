package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coinbase-gridbot/pkg/types"
)

// GetBotState reads the singleton engine state row.
func (s *Store) GetBotState(ctx context.Context) (types.BotState, error) {
	var st types.BotState
	var mode string
	var lastTick sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT market_id, anchor_high, mode, last_tick_at FROM bot_state WHERE id = 1`).
		Scan(&st.MarketID, &st.AnchorHigh, &mode, &lastTick)
	if err != nil {
		return st, fmt.Errorf("get bot state: %w", err)
	}
	st.Mode = types.EngineMode(mode)
	if p := parseTimePtr(lastTick); p != nil {
		st.LastTickAt = *p
	}
	return st, nil
}

// SaveBotState rewrites the singleton engine state row. A zero LastTickAt
// persists as NULL.
func (s *Store) SaveBotState(ctx context.Context, st types.BotState) error {
	var lastTick any
	if !st.LastTickAt.IsZero() {
		lastTick = fmtTime(st.LastTickAt)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE bot_state SET market_id = ?, anchor_high = ?, mode = ?, last_tick_at = ? WHERE id = 1`,
		st.MarketID, st.AnchorHigh, string(st.Mode), lastTick)
	if err != nil {
		return fmt.Errorf("save bot state: %w", err)
	}
	return nil
}

// ResetAnchor zeroes the anchor so the next tick re-seeds it from the
// current price. Operator action only. The active market's remembered
// anchor is dropped too, otherwise a restart would restore it.
func (s *Store) ResetAnchor(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM market_anchors
		WHERE market_id = (SELECT market_id FROM bot_state WHERE id = 1)`)
	if err != nil {
		return fmt.Errorf("reset anchor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE bot_state SET anchor_high = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("reset anchor: %w", err)
	}
	return nil
}

// MarketAnchor returns a market's remembered anchor high, zero if the
// market has never traded.
func (s *Store) MarketAnchor(ctx context.Context, marketID string) (float64, error) {
	var a float64
	err := s.db.QueryRowContext(ctx, `
		SELECT anchor_high FROM market_anchors WHERE market_id = ?`, marketID).Scan(&a)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("market anchor: %w", err)
	}
	return a, nil
}

// SaveMarketAnchor upserts a market's anchor high.
func (s *Store) SaveMarketAnchor(ctx context.Context, marketID string, anchor float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_anchors (market_id, anchor_high) VALUES (?, ?)
		ON CONFLICT(market_id) DO UPDATE SET anchor_high = excluded.anchor_high`,
		marketID, anchor)
	if err != nil {
		return fmt.Errorf("save market anchor: %w", err)
	}
	return nil
}
