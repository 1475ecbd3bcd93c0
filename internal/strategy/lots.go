// lots.go carries each buy fill through the lot lifecycle:
//
//	BUY fill → Lot OPEN → paired SELL placed → SELL_PLACED → SELL fill → CLOSED
//
// A lot's sell is never abandoned. If placement fails (rate limit,
// post-only reject, network), the lot stays OPEN with its attempt count
// persisted and is retried on every subsequent tick once the backoff
// window passes.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/pkg/types"
)

// LotManager pairs buy fills with profitable sells and tracks realized PnL.
type LotManager struct {
	store   *store.Store
	adapter exchange.Adapter
	cfg     func() config.TradingConfig // runtime config is mutable
	product types.Product
	now     func() time.Time
	logger  *slog.Logger
}

// NewLotManager creates a lot manager for the active market.
func NewLotManager(
	st *store.Store,
	adapter exchange.Adapter,
	cfg func() config.TradingConfig,
	product types.Product,
	logger *slog.Logger,
) *LotManager {
	return &LotManager{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		product: product,
		now:     time.Now,
		logger:  logger.With("component", "lots"),
	}
}

// OnBuyFill creates a lot for a filled grid buy and attempts to place its
// paired sell. A sell placement failure is not an error here: the lot
// persists OPEN and retries later.
func (lm *LotManager) OnBuyFill(ctx context.Context, f types.Fill) (types.Lot, error) {
	// Replays of a buy we already turned into a lot are ignored. Only a
	// definitive miss proceeds to creation: a store failure here must not
	// look like "no lot" or a replay would double-create.
	existing, err := lm.store.LotByBuyOrder(ctx, f.OrderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrLotNotFound) {
		return types.Lot{}, fmt.Errorf("lookup lot for buy %s: %w", f.OrderID, err)
	}

	lot := types.Lot{
		MarketID:   f.MarketID,
		BuyOrderID: f.OrderID,
		BuyPrice:   f.Price,
		BuySize:    f.Size,
		BuyCost:    f.Price * f.Size,
		BuyFee:     f.Fee,
		BuyTime:    f.Timestamp,
		Status:     types.LotOpen,
	}
	id, err := lm.store.CreateLot(ctx, lot)
	if err != nil {
		return lot, fmt.Errorf("create lot: %w", err)
	}
	lot.ID = id

	lm.logger.Info("lot opened",
		"lot_id", id,
		"buy_price", f.Price,
		"size", f.Size,
		"cost", lot.BuyCost,
	)

	lm.placeSell(ctx, &lot)
	return lot, nil
}

// placeSell submits the paired sell for a lot and records the outcome. On
// failure the attempt count and timestamp persist so retries back off.
func (lm *LotManager) placeSell(ctx context.Context, lot *types.Lot) {
	sellPrice := SellPrice(lm.cfg(), lm.product, lot.BuyPrice)
	now := lm.now().UTC()
	lot.LastSellAttempt = &now
	lot.SellAttempts++

	orderID, err := lm.adapter.PlaceLimitOrder(ctx, types.OrderRequest{
		MarketID:  lot.MarketID,
		Side:      types.SELL,
		Price:     sellPrice,
		Size:      lot.BuySize,
		ClientTag: SellTag(lot.ID),
		PostOnly:  true,
	})
	if err != nil {
		lm.logger.Warn("sell placement failed, will retry",
			"lot_id", lot.ID,
			"attempt", lot.SellAttempts,
			"error", err,
		)
		if uerr := lm.store.UpdateLot(ctx, *lot); uerr != nil {
			lm.logger.Error("persist lot after failed sell", "lot_id", lot.ID, "error", uerr)
		}
		return
	}

	lot.SellOrderID = orderID
	lot.SellPrice = sellPrice
	lot.Status = types.LotSellPlaced
	if err := lm.store.UpdateLot(ctx, *lot); err != nil {
		lm.logger.Error("persist lot after sell placement", "lot_id", lot.ID, "error", err)
		return
	}
	if err := lm.store.SaveOrder(ctx, types.Order{
		ID:        orderID,
		ClientTag: SellTag(lot.ID),
		MarketID:  lot.MarketID,
		Side:      types.SELL,
		Price:     sellPrice,
		Size:      lot.BuySize,
		Status:    types.OrderOpen,
		LotID:     lot.ID,
		CreatedAt: now,
	}); err != nil {
		lm.logger.Error("persist sell order", "lot_id", lot.ID, "error", err)
	}

	lm.logger.Info("sell placed",
		"lot_id", lot.ID,
		"sell_price", sellPrice,
		"order_id", orderID,
	)
}

// RetryPendingSells re-attempts sells for lots stuck OPEN, honoring the
// exponential backoff schedule. Called once per tick.
func (lm *LotManager) RetryPendingSells(ctx context.Context, marketID string) error {
	lots, err := lm.store.OpenLots(ctx, marketID)
	if err != nil {
		return fmt.Errorf("load open lots: %w", err)
	}
	now := lm.now()
	for i := range lots {
		lot := lots[i]
		if lot.Status != types.LotOpen {
			continue
		}
		if lot.LastSellAttempt != nil &&
			now.Before(exchange.RetryAt(*lot.LastSellAttempt, lot.SellAttempts-1)) {
			continue
		}
		lm.placeSell(ctx, &lot)
	}
	return nil
}

// OnSellFill applies a sell fill to its lot. Partial fills accumulate; the
// lot closes (and PnL is realized) only once the cumulative sell size
// covers the buy size.
func (lm *LotManager) OnSellFill(ctx context.Context, f types.Fill) (types.Lot, bool, error) {
	lot, err := lm.store.LotBySellOrder(ctx, f.OrderID)
	if err != nil {
		return types.Lot{}, false, fmt.Errorf("lot for sell %s: %w", f.OrderID, err)
	}
	if lot.Status == types.LotClosed {
		return lot, false, nil
	}

	lot.SellFilledSize += f.Size
	lot.RealizedPnL += (f.Price-lot.BuyPrice)*f.Size - f.Fee

	eps := lm.product.BaseIncrement / 2
	closed := lot.SellFilledSize >= lot.BuySize-eps
	if closed {
		lot.RealizedPnL -= lot.BuyFee
		ts := f.Timestamp
		lot.SellTime = &ts
		lot.Status = types.LotClosed
	}

	if err := lm.store.UpdateLot(ctx, lot); err != nil {
		return lot, false, fmt.Errorf("persist lot %d: %w", lot.ID, err)
	}
	if closed {
		if err := lm.store.RecordClosedLot(ctx, f.Timestamp, lot.RealizedPnL); err != nil {
			lm.logger.Error("record snapshot", "lot_id", lot.ID, "error", err)
		}
		lm.logger.Info("lot closed",
			"lot_id", lot.ID,
			"buy_price", lot.BuyPrice,
			"sell_price", f.Price,
			"realized_pnl", lot.RealizedPnL,
		)
	}
	return lot, closed, nil
}

// MonthRealizedPnL returns realized PnL since the first of the current
// month, UTC. SMART_REINVEST sizing reads this each tick.
func (lm *LotManager) MonthRealizedPnL(ctx context.Context) (float64, error) {
	now := lm.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return lm.store.RealizedPnLSince(ctx, monthStart)
}
