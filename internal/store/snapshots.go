// snapshots.go maintains one realized-PnL row per UTC day, upserted as
// lots close so the history endpoint can chart PnL without re-aggregating
// the whole lot table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coinbase-gridbot/pkg/types"
)

// RecordClosedLot folds a closed lot's PnL into today's snapshot.
func (s *Store) RecordClosedLot(ctx context.Context, closedAt time.Time, pnl float64) error {
	date := closedAt.UTC().Format("2006-01-02")
	return s.tx(ctx, func(tx *sql.Tx) error {
		var prevCum float64
		err := tx.QueryRowContext(ctx, `
			SELECT cumulative_pnl FROM daily_snapshots WHERE date < ? ORDER BY date DESC LIMIT 1`,
			date).Scan(&prevCum)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("prior cumulative: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_snapshots (date, realized_pnl, trade_count, cumulative_pnl)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(date) DO UPDATE SET
				realized_pnl = realized_pnl + excluded.realized_pnl,
				trade_count = trade_count + 1,
				cumulative_pnl = cumulative_pnl + excluded.realized_pnl`,
			date, pnl, prevCum+pnl)
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		return nil
	})
}

// Snapshots returns daily PnL rows between from and to (inclusive,
// "2006-01-02" dates), oldest first.
func (s *Store) Snapshots(ctx context.Context, from, to string) ([]types.DailySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, realized_pnl, trade_count, cumulative_pnl
		FROM daily_snapshots WHERE date >= ? AND date <= ? ORDER BY date ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.DailySnapshot
	for rows.Next() {
		var snap types.DailySnapshot
		if err := rows.Scan(&snap.Date, &snap.RealizedPnL, &snap.TradeCount, &snap.CumulativePnL); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RealizedPnLSince sums lot PnL realized at or after the given time.
// Used for the monthly profit target in SMART_REINVEST mode.
func (s *Store) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(realized_pnl) FROM lots WHERE status = 'CLOSED' AND sell_time >= ?`,
		fmtTime(since)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("realized pnl since: %w", err)
	}
	return sum.Float64, nil
}
