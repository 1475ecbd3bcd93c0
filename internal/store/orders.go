package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coinbase-gridbot/pkg/types"
)

// ErrOrderNotFound is returned when an order ID has no row.
var ErrOrderNotFound = errors.New("order not found in store")

// SaveOrder inserts or updates an order. ON CONFLICT on the primary key
// keeps re-saves after reconciliation idempotent; the unique client_tag
// index rejects a second order for the same grid slot.
func (s *Store) SaveOrder(ctx context.Context, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, client_tag, market_id, side, price, size, status, lot_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			lot_id = excluded.lot_id`,
		o.ID, o.ClientTag, o.MarketID, string(o.Side), o.Price, o.Size, string(o.Status), o.LotID, fmtTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// UpdateOrderStatus moves an order to a new status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrder returns one order by exchange ID.
func (s *Store) GetOrder(ctx context.Context, id string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_tag, market_id, side, price, size, status, lot_id, created_at
		FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByTag returns one order by client tag.
func (s *Store) GetOrderByTag(ctx context.Context, tag string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_tag, market_id, side, price, size, status, lot_id, created_at
		FROM orders WHERE client_tag = ?`, tag)
	return scanOrder(row)
}

// OpenOrders returns non-terminal orders for a market ("" = all markets).
func (s *Store) OpenOrders(ctx context.Context, marketID string) ([]types.Order, error) {
	q := `SELECT id, client_tag, market_id, side, price, size, status, lot_id, created_at
		FROM orders WHERE status IN ('PENDING_PLACE', 'OPEN')`
	args := []any{}
	if marketID != "" {
		q += ` AND market_id = ?`
		args = append(args, marketID)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(r rowScanner) (types.Order, error) {
	var o types.Order
	var side, status, created string
	err := r.Scan(&o.ID, &o.ClientTag, &o.MarketID, &side, &o.Price, &o.Size, &status, &o.LotID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrOrderNotFound
	}
	if err != nil {
		return o, fmt.Errorf("scan order: %w", err)
	}
	o.Side = types.Side(side)
	o.Status = types.OrderStatus(status)
	o.CreatedAt = parseTime(created)
	return o, nil
}

// Orders pages through order history, newest first. Empty status means no
// status filter.
func (s *Store) Orders(ctx context.Context, status types.OrderStatus, limit, skip int) ([]types.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, client_tag, market_id, side, price, size, status, lot_id, created_at FROM orders`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
