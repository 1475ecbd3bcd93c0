package engine

import (
	"context"
	"time"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/reconcile"
	"coinbase-gridbot/internal/risk"
	"coinbase-gridbot/internal/strategy"
	"coinbase-gridbot/pkg/types"
)

// tick runs one pass of the loop. Any phase may fail; the tick logs, ends
// early, and the next tick retries. The kill switch is checked between
// phases.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := e.ctx

	// Phase 1: refresh state.
	state, err := e.store.GetBotState(ctx)
	if err != nil {
		e.logger.Error("tick: load state", "error", err)
		return
	}
	defer func() {
		state.LastTickAt = time.Now().UTC()
		if err := e.store.SaveBotState(ctx, state); err != nil {
			e.logger.Error("tick: save state", "error", err)
		}
	}()

	switch state.Mode {
	case types.ModePaused:
		return
	case types.ModeStopped:
		// After a kill switch, fills that raced the cancels still become
		// lots, and residual open orders drain here.
		e.drainFills(ctx)
		e.drainCancels(ctx)
		return
	}
	if e.session == nil {
		return
	}
	sess := e.session
	trading := e.tradingSnapshot()

	// Phase 2: ingest price.
	tk, seenAt, ok := e.price.get()
	if !ok || time.Since(seenAt) > staleTicks*e.cfg.TickInterval {
		e.logger.Warn("price stale, falling back to REST ticker", "market", sess.market.ID)
		tk, err = e.adapter.GetTicker(ctx, sess.market.ID)
		if err != nil {
			e.logger.Error("tick: fetch ticker", "market", sess.market.ID, "error", err)
			return
		}
		e.price.set(tk)
	}
	price := tk.Price
	if price <= 0 || e.kill.Load() {
		return
	}

	// Phase 3: update anchor. Monotone until an operator reset, and
	// remembered per market so a restart picks up where it left off.
	if price > state.AnchorHigh {
		state.AnchorHigh = price
		if err := e.store.SaveMarketAnchor(ctx, state.MarketID, price); err != nil {
			e.logger.Error("tick: save anchor", "market", state.MarketID, "error", err)
		}
	}

	// Hold transition rides on deployed capital.
	deployed, openCount, err := e.exposure(ctx, sess.market.ID)
	if err != nil {
		e.logger.Error("tick: exposure", "error", err)
		return
	}
	modeBefore := state.Mode
	if risk.HoldReached(trading, deployed) {
		state.Mode = types.ModeHold
	} else if state.Mode == types.ModeHold {
		state.Mode = types.ModeRunning
	}
	if state.Mode != modeBefore {
		e.logger.Info("mode transition", "from", modeBefore, "to", state.Mode, "deployed_usd", deployed)
		if err := e.store.Audit(ctx, "system", "mode_change", string(modeBefore), string(state.Mode)); err != nil {
			e.logger.Error("audit write failed", "error", err)
		}
	}
	if e.kill.Load() {
		return
	}

	// Phase 4: compute the desired grid.
	planner := strategy.NewPlanner(trading, sess.product)
	sizing, err := e.sizingInputs(ctx, sess, trading)
	if err != nil {
		e.logger.Error("tick: sizing inputs", "error", err)
		return
	}
	desired := planner.Levels(price, state.AnchorHigh, sizing)

	// Phase 5: ingest fills, oldest first.
	filled := e.ingestFills(ctx, sess)
	if err := sess.lots.RetryPendingSells(ctx, sess.market.ID); err != nil {
		e.logger.Error("tick: retry sells", "error", err)
	}
	if e.kill.Load() {
		e.publish(sess.market.ID, price, filled, modeBefore, state.Mode)
		return
	}

	// Phase 6: reconcile toward the desired grid. The admission closure
	// counts orders it approves so caps hold within the pass too.
	pendingCount, pendingUSD := 0, 0.0
	admit := func(req types.OrderRequest) risk.Decision {
		d := risk.Admit(risk.Inputs{
			Cfg:         trading,
			Mode:        state.Mode,
			OpenOrders:  openCount + pendingCount,
			DeployedUSD: deployed + pendingUSD,
			LiveTrading: e.cfg.LiveTrading,
			PaperMode:   e.cfg.PaperMode,
		}, req)
		if d.Admitted {
			pendingCount++
			pendingUSD += req.Notional()
		}
		return d
	}
	res, err := sess.rec.Tick(ctx, sess.market.ID, desired, admit)
	if err != nil {
		e.logger.Error("tick: reconcile", "error", err)
		if aerr := e.store.Audit(ctx, "system", "reconcile_error", "", err.Error()); aerr != nil {
			e.logger.Error("audit write failed", "error", aerr)
		}
	} else if res.Placed > 0 || res.Canceled > 0 {
		e.logger.Debug("grid reconciled",
			"placed", res.Placed,
			"canceled", res.Canceled,
			"denied", res.Denied,
		)
	}

	// Phase 7: publish.
	e.publish(sess.market.ID, price, filled, modeBefore, state.Mode)
}

// ingestFills drains the queue in timestamp order. A fill that cannot be
// applied goes back on the queue for the next tick.
func (e *Engine) ingestFills(ctx context.Context, sess *session) []types.Fill {
	var applied []types.Fill
	drained := e.fills.Drain()
	for i, f := range drained {
		fresh, err := sess.rec.ApplyFill(ctx, f)
		if err != nil {
			e.logger.Error("tick: apply fill", "fill_id", f.ID, "error", err)
			for _, rest := range drained[i:] {
				e.fills.Push(rest)
			}
			break
		}
		if fresh {
			applied = append(applied, f)
		}
	}
	return applied
}

// exposure returns deployed capital (open-lot cost plus resting buy
// notional) and the open-order count.
func (e *Engine) exposure(ctx context.Context, marketID string) (float64, int, error) {
	lotUSD, err := e.store.OpenLotExposure(ctx, marketID)
	if err != nil {
		return 0, 0, err
	}
	open, err := e.store.OpenOrders(ctx, "")
	if err != nil {
		return 0, 0, err
	}
	for _, o := range open {
		if o.Side == types.BUY {
			lotUSD += o.Notional()
		}
	}
	return lotUSD, len(open), nil
}

// sizingInputs gathers the live numbers sizing modes need. Balance and PnL
// queries only run for the modes that read them.
func (e *Engine) sizingInputs(ctx context.Context, sess *session, trading config.TradingConfig) (strategy.SizingInputs, error) {
	var in strategy.SizingInputs

	if trading.SizingMode == types.SizingCapitalPct {
		balances, err := e.adapter.GetBalances(ctx)
		if err != nil {
			return in, err
		}
		in.AvailableUSD = balances["USD"]
	}

	if trading.ProfitMode == types.ProfitSmartReinvest {
		pnl, err := sess.lots.MonthRealizedPnL(ctx)
		if err != nil {
			return in, err
		}
		in.MonthRealizedPnL = pnl
	}

	return in, nil
}

// publish emits this tick's events in the fixed order: price update,
// fills, then any state change.
func (e *Engine) publish(marketID string, price float64, filled []types.Fill, before, after types.EngineMode) {
	e.bus.Publish(events.Event{
		Type: events.TypePriceUpdate,
		Data: map[string]any{"market_id": marketID, "price": price},
	})
	for _, f := range filled {
		e.bus.Publish(events.Event{Type: events.TypeOrderFilled, Data: f})
	}
	if before != after {
		e.bus.Publish(events.Event{
			Type: events.TypeStateChange,
			Data: map[string]any{"from": before, "to": after},
		})
	}
}

// drainFills applies queued fills without a session, so a buy that filled
// in flight during a kill switch still gets its lot and paired sell. A
// fill that cannot be applied goes back on the queue for the next tick.
func (e *Engine) drainFills(ctx context.Context) {
	drained := e.fills.Drain()
	if len(drained) == 0 {
		return
	}
	recs := make(map[string]*reconcile.Reconciler)
	for i, f := range drained {
		rec, ok := recs[f.MarketID]
		if !ok {
			product, found := e.lookupProduct(f.MarketID)
			if !found {
				e.logger.Error("drain: fill for unknown product", "market", f.MarketID, "fill_id", f.ID)
				continue
			}
			lots := strategy.NewLotManager(e.store, e.adapter, e.tradingSnapshot, product, e.logger)
			rec = reconcile.New(e.store, e.adapter, lots, e.logger)
			recs[f.MarketID] = rec
		}
		if _, err := rec.ApplyFill(ctx, f); err != nil {
			e.logger.Error("drain: apply fill", "fill_id", f.ID, "error", err)
			for _, rest := range drained[i:] {
				e.fills.Push(rest)
			}
			return
		}
	}
}

// drainCancels sweeps residual open orders after a stop or kill switch.
func (e *Engine) drainCancels(ctx context.Context) {
	open, err := e.store.OpenOrders(ctx, "")
	if err != nil {
		e.logger.Error("drain: load open orders", "error", err)
		return
	}
	for _, o := range open {
		if err := e.adapter.CancelOrder(ctx, o.ID); err != nil && err != exchange.ErrOrderNotFound {
			e.logger.Error("drain: cancel", "order_id", o.ID, "error", err)
			continue
		}
		if err := e.settleCanceled(ctx, o); err != nil {
			e.logger.Error("drain: settle canceled", "order_id", o.ID, "error", err)
		}
	}
	if len(open) > 0 {
		e.logger.Info("drained residual orders", "count", len(open))
	}
}
