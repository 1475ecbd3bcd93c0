// Package engine drives the grid-trading bot: a fixed-cadence tick loop
// that plans the grid, ingests fills, and reconciles the exchange, plus
// the control plane (start/stop/pause/kill) the API surface calls into.
//
// Concurrency shape: the tick loop is a single serialized task. Three
// things run alongside it — the ticker stream (fills a last-value price
// cell), the fill stream (appends to a timestamp-ordered queue), and the
// HTTP/WS server. Control-plane operations take the same mutex as the
// tick, so a tick and a market switch never interleave.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/market"
	"coinbase-gridbot/internal/reconcile"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/internal/strategy"
	"coinbase-gridbot/pkg/types"
)

// staleTicks is how many tick periods without a streamed price before the
// engine falls back to a REST ticker fetch.
const staleTicks = 3

// session is everything scoped to the one enabled market.
type session struct {
	market  types.Market
	product types.Product
	lots    *strategy.LotManager
	rec     *reconcile.Reconciler
	cancel  context.CancelFunc // stops the session's ticker stream
}

// priceCell holds the most recent streamed price. Last value wins.
type priceCell struct {
	mu     sync.Mutex
	ticker types.Ticker
	seenAt time.Time
}

func (c *priceCell) set(t types.Ticker) {
	c.mu.Lock()
	c.ticker = t
	c.seenAt = time.Now()
	c.mu.Unlock()
}

func (c *priceCell) get() (types.Ticker, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker, c.seenAt, !c.seenAt.IsZero()
}

// Engine orchestrates the tick loop and owns the active-market session.
type Engine struct {
	cfg     config.Config
	store   *store.Store
	adapter exchange.Adapter
	bus     *events.Bus
	logger  *slog.Logger

	// mu serializes ticks with control-plane operations.
	mu      sync.Mutex
	session *session

	tradingMu sync.RWMutex
	trading   config.TradingConfig

	productsMu sync.RWMutex
	products   map[string]types.Product

	price priceCell
	fills *fillQueue
	kill  atomic.Bool // set by the kill switch, read between tick phases

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine. The store and adapter are owned by the caller;
// Stop does not close them.
func New(cfg config.Config, st *store.Store, adapter exchange.Adapter, bus *events.Bus, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    st,
		adapter:  adapter,
		bus:      bus,
		logger:   logger.With("component", "engine"),
		trading:  cfg.Trading,
		products: make(map[string]types.Product),
		fills:    newFillQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start loads persisted state, reconciles against the exchange, and
// launches the stream consumers and the tick loop.
func (e *Engine) Start() error {
	ctx := e.ctx

	trading, found, err := e.store.LoadTradingConfig(ctx, e.cfg.Trading)
	if err != nil {
		return fmt.Errorf("load trading config: %w", err)
	}
	e.setTrading(trading)
	if found {
		e.logger.Info("trading config restored from store")
	}

	if err := e.RefreshUniverse(ctx); err != nil {
		return fmt.Errorf("refresh universe: %w", err)
	}

	state, err := e.store.GetBotState(ctx)
	if err != nil {
		return fmt.Errorf("load bot state: %w", err)
	}

	active, err := e.store.ActiveMarket(ctx)
	switch {
	case err == store.ErrMarketNotFound:
		if state.Mode != types.ModeStopped {
			state.Mode = types.ModeStopped
			if err := e.store.SaveBotState(ctx, state); err != nil {
				return err
			}
		}
		e.logger.Info("no market enabled, engine idle")
	case err != nil:
		return fmt.Errorf("active market: %w", err)
	default:
		if err := e.openSession(ctx, active); err != nil {
			return fmt.Errorf("open session %s: %w", active.ID, err)
		}
		// A persisted PAUSED survives restarts; STOPPED with an enabled
		// market means we were interrupted, so resume.
		if state.Mode == types.ModeStopped {
			state.Mode = types.ModeRunning
		}
		state.MarketID = active.ID
		if err := e.store.SaveBotState(ctx, state); err != nil {
			return err
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.adapter.StreamFills(e.ctx, e.fills.Push); err != nil && e.ctx.Err() == nil {
			e.logger.Error("fill stream error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	e.logger.Info("engine started",
		"mode", state.Mode,
		"market", state.MarketID,
		"tick_interval", e.cfg.TickInterval,
		"live_trading", e.cfg.LiveTrading,
		"paper_mode", e.cfg.PaperMode,
	)
	return nil
}

// Stop shuts the loop down and waits for goroutines to drain. Open orders
// are left resting; startup reconciliation adopts them on the next boot.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// run is the tick loop. Ticks never overlap: a tick that runs long simply
// delays the next one.
func (e *Engine) run() {
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.tick()
		}
	}
}

// openSession builds the per-market machinery and runs the blocking
// startup reconciliation. Caller holds e.mu (or is single-threaded Start).
func (e *Engine) openSession(ctx context.Context, m types.Market) error {
	product, ok := e.lookupProduct(m.ID)
	if !ok {
		return fmt.Errorf("product %s not in universe", m.ID)
	}

	lots := strategy.NewLotManager(e.store, e.adapter, e.tradingSnapshot, product, e.logger)
	rec := reconcile.New(e.store, e.adapter, lots, e.logger)

	if err := rec.Startup(ctx, m.ID); err != nil {
		return err
	}

	sctx, scancel := context.WithCancel(e.ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.adapter.StreamTicker(sctx, []string{m.ID}, e.price.set); err != nil && sctx.Err() == nil {
			e.logger.Error("ticker stream error", "market", m.ID, "error", err)
		}
	}()

	e.session = &session{market: m, product: product, lots: lots, rec: rec, cancel: scancel}
	e.logger.Info("session opened", "market", m.ID)
	return nil
}

// closeSession tears the active session down. Caller holds e.mu.
func (e *Engine) closeSession() {
	if e.session == nil {
		return
	}
	e.session.cancel()
	e.logger.Info("session closed", "market", e.session.market.ID)
	e.session = nil
}

// RefreshUniverse syncs the tradable product list into the store. Runs at
// startup and on demand from the API.
func (e *Engine) RefreshUniverse(ctx context.Context) error {
	products, err := e.adapter.GetProducts(ctx)
	if err != nil {
		return err
	}
	ranked := market.Rank(products)

	e.productsMu.Lock()
	for _, r := range ranked {
		e.products[r.Product.ID] = r.Product
	}
	e.productsMu.Unlock()

	now := time.Now().UTC()
	for _, r := range ranked {
		if err := e.store.UpsertMarket(ctx, types.Market{
			ID:        r.Product.ID,
			Ranking:   r.Rank,
			Volume24h: r.Product.Volume24h,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("upsert market %s: %w", r.Product.ID, err)
		}
	}
	e.logger.Info("universe refreshed", "listed", len(products), "tradable", len(ranked))
	return nil
}

func (e *Engine) lookupProduct(id string) (types.Product, bool) {
	e.productsMu.RLock()
	defer e.productsMu.RUnlock()
	p, ok := e.products[id]
	return p, ok
}

// tradingSnapshot returns a copy of the runtime trading config.
func (e *Engine) tradingSnapshot() config.TradingConfig {
	e.tradingMu.RLock()
	defer e.tradingMu.RUnlock()
	return e.trading
}

func (e *Engine) setTrading(cfg config.TradingConfig) {
	e.tradingMu.Lock()
	e.trading = cfg
	e.tradingMu.Unlock()
}

// TradingConfig exposes the current runtime config to the API.
func (e *Engine) TradingConfig() config.TradingConfig {
	return e.tradingSnapshot()
}

// UpdateTradingConfig validates, persists, and swaps the runtime config
// in one step. Invalid configs change nothing.
func (e *Engine) UpdateTradingConfig(ctx context.Context, cfg config.TradingConfig) error {
	if err := e.store.SaveTradingConfig(ctx, cfg); err != nil {
		return err
	}
	e.setTrading(cfg)
	if err := e.store.Audit(ctx, "user", "update_config", "", "trading config replaced"); err != nil {
		e.logger.Error("audit write failed", "error", err)
	}
	return nil
}
