// Package reconcile keeps the local store and the exchange in agreement.
//
// Startup reconciliation runs once, blocking, before the tick loop: it
// classifies every open order as matched, orphan-exchange (cancel it) or
// orphan-local (resolve it from historical fills), then replays fills so
// no lot is lost across a restart.
//
// Per-tick reconciliation is the cheap steady-state pass: diff the desired
// grid against open orders and issue a bounded number of cancels and
// placements per tick, cancels first.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/risk"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/internal/strategy"
	"coinbase-gridbot/pkg/types"
)

// defaultBudget caps cancels and placements per tick (each, not combined).
const defaultBudget = 10

// gridTagPrefix and sellTagPrefix identify orders this bot placed. Anything
// resting on the exchange without one of these prefixes is not ours.
const (
	gridTagPrefix = "grid-"
	sellTagPrefix = "sell-"
)

func oursTag(tag string) bool {
	return strings.HasPrefix(tag, gridTagPrefix) || strings.HasPrefix(tag, sellTagPrefix)
}

// priceTolerance is the relative distance within which a resting order
// counts as occupying a desired level. Grid steps are orders of magnitude
// wider, so a level never matches two orders.
const priceTolerance = 1e-4

func covered(open []types.Order, price float64) bool {
	for _, o := range open {
		if diff := o.Price - price; diff < price*priceTolerance && diff > -price*priceTolerance {
			return true
		}
	}
	return false
}

// FillHandler routes fills to the lot lifecycle. *strategy.LotManager
// satisfies it.
type FillHandler interface {
	OnBuyFill(ctx context.Context, f types.Fill) (types.Lot, error)
	OnSellFill(ctx context.Context, f types.Fill) (types.Lot, bool, error)
}

// AdmitFunc is the risk gate consulted before each placement.
type AdmitFunc func(order types.OrderRequest) risk.Decision

// Reconciler aligns store and exchange for the active market. Not safe for
// concurrent use; the engine calls it only from the tick loop.
type Reconciler struct {
	store   *store.Store
	adapter exchange.Adapter
	fills   FillHandler
	logger  *slog.Logger

	budget   int // current per-tick cancel/place cap
	cooldown int // ticks during which placements stay gated
}

// New creates a reconciler with the default per-tick budget.
func New(st *store.Store, adapter exchange.Adapter, fills FillHandler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		adapter: adapter,
		fills:   fills,
		logger:  logger.With("component", "reconcile"),
		budget:  defaultBudget,
	}
}

// Startup performs the blocking boot-time reconciliation for one market.
// The tick loop must not run until this returns nil.
func (r *Reconciler) Startup(ctx context.Context, marketID string) error {
	local, err := r.store.OpenOrders(ctx, marketID)
	if err != nil {
		return fmt.Errorf("load local open orders: %w", err)
	}
	remote, err := r.adapter.ListOpenOrders(ctx, marketID)
	if err != nil {
		return fmt.Errorf("list exchange open orders: %w", err)
	}

	remoteByID := make(map[string]types.Order, len(remote))
	for _, o := range remote {
		remoteByID[o.ID] = o
	}
	localByID := make(map[string]types.Order, len(local))
	for _, o := range local {
		localByID[o.ID] = o
	}

	// Replay fills since the last one we recorded. This both resolves
	// orphan-local orders and rebuilds lot pairings lost to a crash.
	since, err := r.store.LatestFillTime(ctx)
	if err != nil {
		return fmt.Errorf("last fill time: %w", err)
	}
	fills, err := r.adapter.GetFills(ctx, marketID, since)
	if err != nil {
		return fmt.Errorf("fetch fills: %w", err)
	}
	filledOrders := make(map[string]bool)
	for _, f := range fills {
		filledOrders[f.OrderID] = true
		if _, err := r.ApplyFill(ctx, f); err != nil {
			return err
		}
	}

	matched, adopted, canceled, resolved := 0, 0, 0, 0

	for _, o := range remote {
		if lo, ok := localByID[o.ID]; ok {
			if lo.Status != types.OrderOpen {
				if err := r.store.UpdateOrderStatus(ctx, o.ID, types.OrderOpen); err != nil {
					return fmt.Errorf("sync order %s: %w", o.ID, err)
				}
			}
			matched++
			continue
		}
		if oursTag(o.ClientTag) {
			// Placed by us but lost before the store write landed. Adopt it.
			o.Status = types.OrderOpen
			if err := r.store.SaveOrder(ctx, o); err != nil {
				return fmt.Errorf("adopt order %s: %w", o.ID, err)
			}
			adopted++
			continue
		}
		// Unknown origin. Cancel to keep exchange state pristine.
		if err := r.adapter.CancelOrder(ctx, o.ID); err != nil && err != exchange.ErrOrderNotFound {
			return fmt.Errorf("cancel orphan %s: %w", o.ID, err)
		}
		canceled++
	}

	for _, o := range local {
		if _, ok := remoteByID[o.ID]; ok {
			continue
		}
		// Orphan-local: gone from the exchange. Either it filled while we
		// were down (handled by the fill replay above) or it was canceled.
		status := types.OrderCanceled
		if filledOrders[o.ID] {
			status = types.OrderFilled
		}
		if err := r.store.UpdateOrderStatus(ctx, o.ID, status); err != nil {
			return fmt.Errorf("resolve orphan-local %s: %w", o.ID, err)
		}
		resolved++
	}

	r.logger.Info("startup reconciliation complete",
		"market", marketID,
		"matched", matched,
		"adopted", adopted,
		"orphans_canceled", canceled,
		"orphans_resolved", resolved,
		"fills_replayed", len(fills),
	)
	return nil
}

// ApplyFill records a fill (idempotently), routes it through the lot
// lifecycle, and settles the filled order's status. Returns false for
// replayed fills already in the store.
func (r *Reconciler) ApplyFill(ctx context.Context, f types.Fill) (bool, error) {
	fresh, err := r.store.SaveFill(ctx, f)
	if err != nil {
		return false, fmt.Errorf("save fill %s: %w", f.ID, err)
	}
	if !fresh {
		return false, nil
	}
	switch f.Side {
	case types.BUY:
		if _, err := r.fills.OnBuyFill(ctx, f); err != nil {
			return true, fmt.Errorf("buy fill %s: %w", f.ID, err)
		}
		if err := r.markFilled(ctx, f.OrderID); err != nil {
			return true, err
		}
	case types.SELL:
		_, closed, err := r.fills.OnSellFill(ctx, f)
		if err != nil {
			if errors.Is(err, store.ErrLotNotFound) {
				// A sell we have no lot for (manual trade, pre-history).
				// Recorded in fills; nothing to pair it with.
				r.logger.Warn("sell fill without a lot", "order_id", f.OrderID, "fill_id", f.ID)
				return true, nil
			}
			return true, fmt.Errorf("sell fill %s: %w", f.ID, err)
		}
		if closed {
			if err := r.markFilled(ctx, f.OrderID); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// markFilled flips an order row to FILLED if we track it. Fills for orders
// we never persisted (crash windows) are fine: the lot path above already
// handled the money.
func (r *Reconciler) markFilled(ctx context.Context, orderID string) error {
	if _, err := r.store.GetOrder(ctx, orderID); err != nil {
		if err == store.ErrOrderNotFound {
			return nil
		}
		return err
	}
	if err := r.store.UpdateOrderStatus(ctx, orderID, types.OrderFilled); err != nil {
		return fmt.Errorf("mark filled %s: %w", orderID, err)
	}
	return nil
}

// TickResult summarizes one per-tick pass.
type TickResult struct {
	Canceled int
	Placed   int
	Denied   int // placements refused by the risk gate
	Rejected int // placements the exchange permanently refused
	Gated    bool
}

// Tick diffs the desired grid against open orders and converges toward it,
// capped at the current budget of cancels and placements. Cancels run
// first so the open-order count never transiently exceeds its cap.
func (r *Reconciler) Tick(ctx context.Context, marketID string, desired []strategy.Level, admit AdmitFunc) (TickResult, error) {
	var res TickResult

	open, err := r.store.OpenOrders(ctx, marketID)
	if err != nil {
		return res, fmt.Errorf("load open orders: %w", err)
	}

	// The staging band floor is the lowest desired level: a grid buy that
	// has fallen below it is pruned. Orders above the floor stay even when
	// the level set has shifted, so an anchor rebase never churns the book.
	floor := 0.0
	if len(desired) > 0 {
		floor = desired[len(desired)-1].Price
	}

	var openBuys []types.Order
	for _, o := range open {
		if o.Side == types.BUY && strings.HasPrefix(o.ClientTag, gridTagPrefix) {
			openBuys = append(openBuys, o)
		}
	}

	// Prune. Paired sells are never pruned; they belong to the lot
	// lifecycle.
	for _, o := range openBuys {
		if res.Canceled >= r.budget {
			break
		}
		if o.Price >= floor*(1-priceTolerance) {
			continue
		}
		if err := r.adapter.CancelOrder(ctx, o.ID); err != nil {
			if err == exchange.ErrOrderNotFound {
				// Already terminal on the exchange; a fill or cancel event
				// will settle the final status.
				continue
			}
			r.noteTransient(err)
			return res, fmt.Errorf("prune %s: %w", o.ClientTag, err)
		}
		if err := r.store.UpdateOrderStatus(ctx, o.ID, types.OrderCanceled); err != nil {
			return res, fmt.Errorf("mark canceled %s: %w", o.ID, err)
		}
		res.Canceled++
	}

	// Extend: desired levels with no resting order at (or near) them.
	if r.cooldown > 0 {
		r.cooldown--
		res.Gated = true
		r.logger.Warn("placement gated by cooldown", "remaining_ticks", r.cooldown)
		return res, nil
	}
	for _, lv := range desired {
		if res.Placed >= r.budget {
			break
		}
		if covered(openBuys, lv.Price) {
			continue
		}
		// A level whose exact request was already rejected is not
		// re-issued; the tag changes with the level, so a shifted grid
		// gets a fresh attempt.
		if prev, err := r.store.GetOrderByTag(ctx, lv.ClientTag); err == nil && prev.Status == types.OrderRejected {
			continue
		}
		req := types.OrderRequest{
			MarketID:  marketID,
			Side:      types.BUY,
			Price:     lv.Price,
			Size:      lv.Size,
			ClientTag: lv.ClientTag,
			PostOnly:  true,
		}
		if d := admit(req); !d.Admitted {
			res.Denied++
			r.logger.Debug("placement denied", "tag", lv.ClientTag, "reason", d.Reason)
			continue
		}
		orderID, err := r.adapter.PlaceLimitOrder(ctx, req)
		if err != nil {
			if exchange.IsTransient(err) {
				r.noteTransient(err)
				return res, fmt.Errorf("place %s: %w", lv.ClientTag, err)
			}
			// Permanent refusal (post-only cross, size below minimum).
			// Record it, skip the level, and keep filling the rest of
			// the ladder.
			r.logger.Warn("placement rejected", "tag", lv.ClientTag, "error", err)
			if serr := r.store.SaveOrder(ctx, types.Order{
				ID:        lv.ClientTag,
				ClientTag: lv.ClientTag,
				MarketID:  marketID,
				Side:      types.BUY,
				Price:     lv.Price,
				Size:      lv.Size,
				Status:    types.OrderRejected,
				CreatedAt: time.Now().UTC(),
			}); serr != nil {
				return res, fmt.Errorf("persist reject %s: %w", lv.ClientTag, serr)
			}
			res.Rejected++
			continue
		}
		if err := r.store.SaveOrder(ctx, types.Order{
			ID:        orderID,
			ClientTag: lv.ClientTag,
			MarketID:  marketID,
			Side:      types.BUY,
			Price:     lv.Price,
			Size:      lv.Size,
			Status:    types.OrderOpen,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return res, fmt.Errorf("persist %s: %w", lv.ClientTag, err)
		}
		res.Placed++
	}

	// A clean pass earns the budget back one notch at a time.
	if r.budget < defaultBudget {
		r.budget++
	}
	return res, nil
}

// noteTransient reacts to 429/5xx pressure: halve the per-tick budget
// (floor 1) and gate placements for an extra tick.
func (r *Reconciler) noteTransient(err error) {
	if !exchange.IsTransient(err) {
		return
	}
	r.budget /= 2
	if r.budget < 1 {
		r.budget = 1
	}
	r.cooldown++
	r.logger.Warn("exchange backpressure, shrinking reconcile budget",
		"budget", r.budget,
		"cooldown_ticks", r.cooldown,
		"error", err,
	)
}

// Budget exposes the current per-tick cap, for status reporting.
func (r *Reconciler) Budget() int { return r.budget }
