package store

import (
	"context"
	"fmt"
	"time"

	"coinbase-gridbot/pkg/types"
)

// SaveFill records a fill. INSERT OR IGNORE dedups by fill ID so replaying
// exchange history during reconciliation is harmless. Returns true if the
// fill was new.
func (s *Store) SaveFill(ctx context.Context, f types.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (id, order_id, market_id, side, price, size, fee, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.MarketID, string(f.Side), f.Price, f.Size, f.Fee, fmtTime(f.Timestamp))
	if err != nil {
		return false, fmt.Errorf("save fill: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FillsSince returns fills for a market from the given time, oldest first.
// marketID "" means all markets.
func (s *Store) FillsSince(ctx context.Context, marketID string, since time.Time) ([]types.Fill, error) {
	q := `SELECT id, order_id, market_id, side, price, size, fee, ts FROM fills WHERE ts >= ?`
	args := []any{fmtTime(since)}
	if marketID != "" {
		q += ` AND market_id = ?`
		args = append(args, marketID)
	}
	q += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fills since: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		var side, ts string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.MarketID, &side, &f.Price, &f.Size, &f.Fee, &ts); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = types.Side(side)
		f.Timestamp = parseTime(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// LatestFillTime returns the newest recorded fill timestamp, or zero time
// if no fills exist. Reconciliation walks exchange history forward from it.
func (s *Store) LatestFillTime(ctx context.Context) (time.Time, error) {
	var ts *string
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM fills`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("latest fill time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return parseTime(*ts), nil
}

// Fills pages through fill history, newest first.
func (s *Store) Fills(ctx context.Context, limit, skip int) ([]types.Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, market_id, side, price, size, fee, ts
		FROM fills ORDER BY ts DESC LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		var side, ts string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.MarketID, &side, &f.Price, &f.Size, &f.Fee, &ts); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = types.Side(side)
		f.Timestamp = parseTime(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}
