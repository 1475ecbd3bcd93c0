package engine

import (
	"context"
	"fmt"
	"time"

	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/pkg/types"
)

// StartMarket switches trading to the given market. Transactional in three
// steps: stop the currently enabled market (cancel its open orders through
// the kill path, which bypasses risk admission), flip enablement in one
// store transaction, write audit entries. If the stop fails, the flip is
// not attempted.
func (e *Engine) StartMarket(ctx context.Context, id, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.lookupProduct(id); !ok {
		if err := e.RefreshUniverse(ctx); err != nil {
			return fmt.Errorf("refresh universe: %w", err)
		}
		if _, ok := e.lookupProduct(id); !ok {
			return fmt.Errorf("unknown market %s", id)
		}
	}

	if e.session != nil && e.session.market.ID == id {
		return nil // already trading it
	}

	if e.session != nil {
		if err := e.cancelMarketOrders(ctx, e.session.market.ID); err != nil {
			return fmt.Errorf("stop %s before switch: %w", e.session.market.ID, err)
		}
		e.closeSession()
	}

	prev, err := e.store.ActivateMarket(ctx, id)
	if err != nil {
		return fmt.Errorf("activate %s: %w", id, err)
	}
	if prev != "" && prev != id {
		if err := e.store.Audit(ctx, actor, "stop_market", prev, "enabled=false"); err != nil {
			e.logger.Error("audit write failed", "error", err)
		}
	}
	if err := e.store.Audit(ctx, actor, "start_market", id, "enabled=true"); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}

	active, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return err
	}
	if err := e.openSession(ctx, active); err != nil {
		return err
	}

	// Returning to a market resumes its remembered anchor. A market never
	// traded before starts at zero and the first tick seeds it from the
	// live price.
	anchor, err := e.store.MarketAnchor(ctx, id)
	if err != nil {
		return err
	}
	state, err := e.store.GetBotState(ctx)
	if err != nil {
		return err
	}
	state.MarketID = id
	state.AnchorHigh = anchor
	state.Mode = types.ModeRunning
	if err := e.store.SaveBotState(ctx, state); err != nil {
		return err
	}
	e.kill.Store(false)

	e.bus.Publish(events.Event{
		Type: events.TypeStateChange,
		Data: map[string]any{"market_id": id, "mode": types.ModeRunning},
	})
	e.logger.Info("market started", "market", id, "previous", prev, "actor", actor)
	return nil
}

// StopMarket disables a market. If it is the active one, its open orders
// are canceled and the engine goes STOPPED.
func (e *Engine) StopMarket(ctx context.Context, id, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.cancelMarketOrders(ctx, id); err != nil {
		return err
	}
	if err := e.store.DeactivateMarket(ctx, id); err != nil && err != store.ErrMarketNotFound {
		return err
	}
	if err := e.store.Audit(ctx, actor, "stop_market", id, "enabled=false"); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}

	if e.session != nil && e.session.market.ID == id {
		e.closeSession()
		state, err := e.store.GetBotState(ctx)
		if err != nil {
			return err
		}
		state.Mode = types.ModeStopped
		if err := e.store.SaveBotState(ctx, state); err != nil {
			return err
		}
		e.bus.Publish(events.Event{
			Type: events.TypeStateChange,
			Data: map[string]any{"market_id": id, "mode": types.ModeStopped},
		})
	}

	e.logger.Info("market stopped", "market", id, "actor", actor)
	return nil
}

// CancelAll is the kill switch: flag the loop, best-effort cancel every
// open order, disable all markets, go STOPPED. Partial cancel failures are
// not errors — the STOPPED-mode tick drain retries until every order is
// terminal.
func (e *Engine) CancelAll(ctx context.Context, actor string) error {
	e.kill.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.store.OpenOrders(ctx, "")
	if err != nil {
		return err
	}
	canceled := 0
	for _, o := range open {
		if err := e.adapter.CancelOrder(ctx, o.ID); err != nil && err != exchange.ErrOrderNotFound {
			e.logger.Error("kill: cancel failed, drain will retry", "order_id", o.ID, "error", err)
			continue
		}
		if err := e.settleCanceled(ctx, o); err != nil {
			e.logger.Error("kill: settle canceled", "order_id", o.ID, "error", err)
			continue
		}
		canceled++
	}

	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	for _, m := range markets {
		if !m.Enabled {
			continue
		}
		if err := e.store.DeactivateMarket(ctx, m.ID); err != nil {
			e.logger.Error("kill: disable market", "market", m.ID, "error", err)
		}
	}

	e.closeSession()
	state, err := e.store.GetBotState(ctx)
	if err != nil {
		return err
	}
	before := state.Mode
	state.Mode = types.ModeStopped
	if err := e.store.SaveBotState(ctx, state); err != nil {
		return err
	}
	if err := e.store.Audit(ctx, actor, "kill_switch",
		fmt.Sprintf("mode=%s open_orders=%d", before, len(open)),
		fmt.Sprintf("mode=STOPPED canceled=%d", canceled)); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}

	e.bus.Publish(events.Event{
		Type: events.TypeStateChange,
		Data: map[string]any{"mode": types.ModeStopped, "reason": "kill_switch"},
	})
	e.logger.Warn("kill switch engaged", "open_orders", len(open), "canceled", canceled, "actor", actor)
	return nil
}

// Pause suspends ticks without touching orders.
func (e *Engine) Pause(ctx context.Context, actor string) error {
	return e.setMode(ctx, types.ModePaused, actor, "pause")
}

// Resume returns a paused engine to RUNNING (only with an active session).
func (e *Engine) Resume(ctx context.Context, actor string) error {
	e.mu.Lock()
	hasSession := e.session != nil
	e.mu.Unlock()
	if !hasSession {
		return fmt.Errorf("no market enabled")
	}
	return e.setMode(ctx, types.ModeRunning, actor, "resume")
}

func (e *Engine) setMode(ctx context.Context, mode types.EngineMode, actor, action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.store.GetBotState(ctx)
	if err != nil {
		return err
	}
	before := state.Mode
	if before == mode {
		return nil
	}
	state.Mode = mode
	if err := e.store.SaveBotState(ctx, state); err != nil {
		return err
	}
	if err := e.store.Audit(ctx, actor, action, string(before), string(mode)); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}
	e.bus.Publish(events.Event{
		Type: events.TypeStateChange,
		Data: map[string]any{"from": before, "to": mode},
	})
	e.logger.Info("mode set", "from", before, "to", mode, "actor", actor)
	return nil
}

// ResetAnchor zeroes the anchor high; the next tick re-seeds it from the
// live price. The one sanctioned way anchor_high decreases.
func (e *Engine) ResetAnchor(ctx context.Context, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ResetAnchor(ctx); err != nil {
		return err
	}
	if err := e.store.Audit(ctx, actor, "reset_anchor", "", "anchor_high=0"); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}
	return nil
}

// cancelMarketOrders cancels every open order for a market directly at the
// exchange. Kill path: no risk admission, no reconcile budget.
func (e *Engine) cancelMarketOrders(ctx context.Context, marketID string) error {
	open, err := e.store.OpenOrders(ctx, marketID)
	if err != nil {
		return err
	}
	for _, o := range open {
		if err := e.adapter.CancelOrder(ctx, o.ID); err != nil && err != exchange.ErrOrderNotFound {
			return fmt.Errorf("cancel %s: %w", o.ID, err)
		}
		if err := e.settleCanceled(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// settleCanceled marks a canceled order in the store. Canceling a paired
// sell reopens its lot, so the sell is re-placed when trading resumes
// rather than abandoned.
func (e *Engine) settleCanceled(ctx context.Context, o types.Order) error {
	if err := e.store.UpdateOrderStatus(ctx, o.ID, types.OrderCanceled); err != nil {
		return err
	}
	if o.Side != types.SELL || o.LotID == 0 {
		return nil
	}
	lot, err := e.store.GetLot(ctx, o.LotID)
	if err != nil {
		return err
	}
	if lot.Status != types.LotSellPlaced {
		return nil
	}
	lot.Status = types.LotOpen
	lot.SellOrderID = ""
	lot.SellPrice = 0
	return e.store.UpdateLot(ctx, lot)
}

// Status is the engine snapshot the API serves.
type Status struct {
	Mode         types.EngineMode `json:"mode"`
	MarketID     string           `json:"market_id"`
	AnchorHigh   float64          `json:"anchor_high"`
	LastTickAt   time.Time        `json:"last_tick_at"`
	LastPrice    float64          `json:"last_price"`
	OpenOrders   int              `json:"open_orders"`
	DeployedUSD  float64          `json:"deployed_usd"`
	LiveTrading  bool             `json:"live_trading"`
	PaperMode    bool             `json:"paper_mode"`
	TickInterval string           `json:"tick_interval"`
}

// Status reports the current engine state for the API.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	state, err := e.store.GetBotState(ctx)
	if err != nil {
		return Status{}, err
	}
	tk, _, _ := e.price.get()

	deployed, openCount, err := e.exposure(ctx, state.MarketID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Mode:         state.Mode,
		MarketID:     state.MarketID,
		AnchorHigh:   state.AnchorHigh,
		LastTickAt:   state.LastTickAt,
		LastPrice:    tk.Price,
		OpenOrders:   openCount,
		DeployedUSD:  deployed,
		LiveTrading:  e.cfg.LiveTrading,
		PaperMode:    e.cfg.PaperMode,
		TickInterval: e.cfg.TickInterval.String(),
	}, nil
}
