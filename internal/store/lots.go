package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coinbase-gridbot/pkg/types"
)

// ErrLotNotFound is returned when a lot ID has no row.
var ErrLotNotFound = errors.New("lot not found")

const lotCols = `id, market_id, buy_order_id, buy_price, buy_size, buy_cost, buy_fee, buy_time,
	sell_order_id, sell_price, sell_time, sell_attempts, last_sell_attempt, sell_filled_size,
	realized_pnl, status`

// CreateLot inserts a new lot and returns its ID.
func (s *Store) CreateLot(ctx context.Context, l types.Lot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (market_id, buy_order_id, buy_price, buy_size, buy_cost, buy_fee, buy_time,
			sell_order_id, sell_price, sell_time, sell_attempts, last_sell_attempt, sell_filled_size,
			realized_pnl, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.MarketID, l.BuyOrderID, l.BuyPrice, l.BuySize, l.BuyCost, l.BuyFee, fmtTime(l.BuyTime),
		l.SellOrderID, l.SellPrice, fmtTimePtr(l.SellTime), l.SellAttempts, fmtTimePtr(l.LastSellAttempt),
		l.SellFilledSize, l.RealizedPnL, string(l.Status))
	if err != nil {
		return 0, fmt.Errorf("create lot: %w", err)
	}
	return res.LastInsertId()
}

// UpdateLot rewrites all mutable lot fields.
func (s *Store) UpdateLot(ctx context.Context, l types.Lot) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lots SET sell_order_id = ?, sell_price = ?, sell_time = ?, sell_attempts = ?,
			last_sell_attempt = ?, sell_filled_size = ?, realized_pnl = ?, status = ?
		WHERE id = ?`,
		l.SellOrderID, l.SellPrice, fmtTimePtr(l.SellTime), l.SellAttempts,
		fmtTimePtr(l.LastSellAttempt), l.SellFilledSize, l.RealizedPnL, string(l.Status), l.ID)
	if err != nil {
		return fmt.Errorf("update lot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLotNotFound
	}
	return nil
}

// GetLot returns one lot by ID.
func (s *Store) GetLot(ctx context.Context, id int64) (types.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE id = ?`, id)
	return scanLot(row)
}

// LotBySellOrder finds the lot whose paired sell is the given order.
func (s *Store) LotBySellOrder(ctx context.Context, sellOrderID string) (types.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE sell_order_id = ?`, sellOrderID)
	return scanLot(row)
}

// LotByBuyOrder finds the lot created from the given buy order.
func (s *Store) LotByBuyOrder(ctx context.Context, buyOrderID string) (types.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE buy_order_id = ?`, buyOrderID)
	return scanLot(row)
}

// OpenLots returns lots that still need a sell placed or filled, oldest
// first. marketID "" means all markets.
func (s *Store) OpenLots(ctx context.Context, marketID string) ([]types.Lot, error) {
	q := `SELECT ` + lotCols + ` FROM lots WHERE status IN ('OPEN', 'SELL_PLACED')`
	args := []any{}
	if marketID != "" {
		q += ` AND market_id = ?`
		args = append(args, marketID)
	}
	q += ` ORDER BY buy_time ASC`
	return s.queryLots(ctx, q, args...)
}

// ClosedLots returns realized lots, newest first, up to limit.
func (s *Store) ClosedLots(ctx context.Context, marketID string, limit int) ([]types.Lot, error) {
	q := `SELECT ` + lotCols + ` FROM lots WHERE status = 'CLOSED'`
	args := []any{}
	if marketID != "" {
		q += ` AND market_id = ?`
		args = append(args, marketID)
	}
	q += ` ORDER BY sell_time DESC LIMIT ?`
	args = append(args, limit)
	return s.queryLots(ctx, q, args...)
}

// OpenLotExposure sums buy_cost over open lots for a market. This is the
// inventory number the HOLD threshold compares against.
func (s *Store) OpenLotExposure(ctx context.Context, marketID string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(buy_cost) FROM lots WHERE market_id = ? AND status IN ('OPEN', 'SELL_PLACED')`,
		marketID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("open lot exposure: %w", err)
	}
	return sum.Float64, nil
}

func (s *Store) queryLots(ctx context.Context, q string, args ...any) ([]types.Lot, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var out []types.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLot(r rowScanner) (types.Lot, error) {
	var l types.Lot
	var buyTime, status string
	var sellTime, lastAttempt sql.NullString
	err := r.Scan(&l.ID, &l.MarketID, &l.BuyOrderID, &l.BuyPrice, &l.BuySize, &l.BuyCost, &l.BuyFee,
		&buyTime, &l.SellOrderID, &l.SellPrice, &sellTime, &l.SellAttempts, &lastAttempt,
		&l.SellFilledSize, &l.RealizedPnL, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrLotNotFound
	}
	if err != nil {
		return l, fmt.Errorf("scan lot: %w", err)
	}
	l.BuyTime = parseTime(buyTime)
	l.SellTime = parseTimePtr(sellTime)
	l.LastSellAttempt = parseTimePtr(lastAttempt)
	l.Status = types.LotStatus(status)
	return l, nil
}

// Lots pages through all lots, newest first.
func (s *Store) Lots(ctx context.Context, limit, skip int) ([]types.Lot, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryLots(ctx,
		`SELECT `+lotCols+` FROM lots ORDER BY id DESC LIMIT ? OFFSET ?`, limit, skip)
}
