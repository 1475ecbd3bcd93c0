// markets.go persists the market catalog and enforces the single-active-
// market rule transactionally: activating a market disables the previous
// one inside the same transaction, and the partial unique index backstops
// any race.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coinbase-gridbot/pkg/types"
)

// ErrMarketNotFound is returned when a market ID has no row.
var ErrMarketNotFound = errors.New("market not found")

// UpsertMarket inserts or refreshes a market row, preserving the enabled
// and favorite flags on refresh.
func (s *Store) UpsertMarket(ctx context.Context, m types.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (id, enabled, is_favorite, ranking, volume_24h, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ranking = excluded.ranking,
			volume_24h = excluded.volume_24h,
			updated_at = excluded.updated_at`,
		m.ID, boolInt(m.Enabled), boolInt(m.IsFavorite), m.Ranking, m.Volume24h, m.Settings, fmtTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}
	return nil
}

// GetMarket returns one market by ID.
func (s *Store) GetMarket(ctx context.Context, id string) (types.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, enabled, is_favorite, ranking, volume_24h, settings, updated_at
		FROM markets WHERE id = ?`, id)
	return scanMarket(row)
}

// ListMarkets returns all markets ordered by ranking then 24h volume.
func (s *Store) ListMarkets(ctx context.Context) ([]types.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enabled, is_favorite, ranking, volume_24h, settings, updated_at
		FROM markets ORDER BY ranking ASC, volume_24h DESC`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var out []types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveMarket returns the single enabled market, or ErrMarketNotFound if
// none is enabled.
func (s *Store) ActiveMarket(ctx context.Context) (types.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, enabled, is_favorite, ranking, volume_24h, settings, updated_at
		FROM markets WHERE enabled = 1`)
	return scanMarket(row)
}

// ActivateMarket enables the given market after disabling whichever market
// was enabled before, in one transaction. Returns the previously active
// market ID ("" if none).
func (s *Store) ActivateMarket(ctx context.Context, id string) (string, error) {
	var previous string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM markets WHERE enabled = 1`).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query active: %w", err)
		}
		if previous == id {
			return nil
		}
		if previous != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE markets SET enabled = 0 WHERE id = ?`, previous); err != nil {
				return fmt.Errorf("disable previous: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE markets SET enabled = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("enable market: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("activate %s: %w", id, ErrMarketNotFound)
		}
		return nil
	})
	return previous, err
}

// DeactivateMarket disables a market (no-op if already disabled).
func (s *Store) DeactivateMarket(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE markets SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate market: %w", err)
	}
	return nil
}

// SetFavorite toggles the favorite flag.
func (s *Store) SetFavorite(ctx context.Context, id string, fav bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE markets SET is_favorite = ? WHERE id = ?`, boolInt(fav), id)
	if err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMarketNotFound
	}
	return nil
}

// UpdateMarketSettings replaces the per-market settings JSON blob.
func (s *Store) UpdateMarketSettings(ctx context.Context, id, settings string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE markets SET settings = ? WHERE id = ?`, settings, id)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMarketNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(r rowScanner) (types.Market, error) {
	var m types.Market
	var enabled, fav int
	var updated string
	err := r.Scan(&m.ID, &enabled, &fav, &m.Ranking, &m.Volume24h, &m.Settings, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrMarketNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan market: %w", err)
	}
	m.Enabled = enabled == 1
	m.IsFavorite = fav == 1
	m.UpdatedAt = parseTime(updated)
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
