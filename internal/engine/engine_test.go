package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	trading := config.Defaults()
	trading.GridStepPct = 0.01
	trading.BufferEnabled = false
	trading.StagingBandDepthPct = 0.05
	trading.MinBandOrders = 10
	trading.MaxBandOrders = 10
	trading.SizingMode = types.SizingFixedUSD
	trading.FixedUSDPerTrade = 100
	trading.BudgetUSD = 10000
	trading.MaxGridCapitalPct = 1.0
	trading.ProfitMode = types.ProfitStep

	return config.Config{
		Env:          "test",
		ExchangeType: "mock",
		PaperMode:    true,
		TickInterval: time.Second,
		Trading:      trading,
	}
}

func newEngineFixture(t *testing.T, mutate func(*config.Config)) (*Engine, *store.Store, *exchange.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	mock := exchange.NewMock()
	mock.SetPrice("BTC-USD", 100.00)

	e := New(cfg, st, mock, events.NewBus(0), testLogger())
	t.Cleanup(e.Stop)

	if err := e.RefreshUniverse(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, st, mock
}

// pumpFills moves fills from the mock into the engine's queue the way the
// fill stream would.
func pumpFills(t *testing.T, e *Engine, mock *exchange.Mock) {
	t.Helper()
	fills, err := mock.GetFills(context.Background(), "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range fills {
		e.fills.Push(f)
	}
}

func setPrice(e *Engine, price float64) {
	e.price.set(types.Ticker{ProductID: "BTC-USD", Price: price, Time: time.Now().UTC()})
}

func TestBasicGridCycle(t *testing.T) {
	t.Parallel()
	e, st, mock := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}

	// Tick 1 at $100: ten buys from $99.00 down to ~$90.44.
	setPrice(e, 100.00)
	e.tick()

	open, err := st.OpenOrders(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 10 {
		t.Fatalf("open orders = %d, want 10", len(open))
	}
	var top, bottom float64
	for _, o := range open {
		if o.Side != types.BUY {
			t.Fatalf("unexpected %s order in fresh grid", o.Side)
		}
		if top == 0 || o.Price > top {
			top = o.Price
		}
		if bottom == 0 || o.Price < bottom {
			bottom = o.Price
		}
	}
	if top != 99.00 {
		t.Errorf("top level = %v, want 99.00", top)
	}
	if bottom != 90.44 {
		t.Errorf("bottom level = %v, want 90.44", bottom)
	}

	// Price crosses the top buy; tick 2 pairs it with a sell at $99.99.
	mock.SetPrice("BTC-USD", 98.90)
	pumpFills(t, e, mock)
	setPrice(e, 98.90)
	e.tick()

	lots, err := st.OpenLots(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 {
		t.Fatalf("lots = %d, want 1", len(lots))
	}
	lot := lots[0]
	if lot.BuyPrice != 99.00 {
		t.Errorf("lot buy price = %v, want 99.00", lot.BuyPrice)
	}
	if lot.Status != types.LotSellPlaced {
		t.Errorf("lot status = %s, want SELL_PLACED", lot.Status)
	}
	if lot.SellPrice != 99.99 {
		t.Errorf("sell price = %v, want 99.99", lot.SellPrice)
	}
}

func TestAnchorRebaseMonotone(t *testing.T) {
	t.Parallel()
	e, st, _ := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}

	for _, p := range []float64{100, 101, 102} {
		setPrice(e, p)
		e.tick()
	}
	state, err := st.GetBotState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.AnchorHigh != 102 {
		t.Fatalf("anchor = %v, want 102", state.AnchorHigh)
	}

	// Price retreats; the anchor must not.
	setPrice(e, 95)
	e.tick()
	state, _ = st.GetBotState(ctx)
	if state.AnchorHigh != 102 {
		t.Fatalf("anchor decreased to %v", state.AnchorHigh)
	}
}

func TestSingleActiveMarketSwitch(t *testing.T) {
	t.Parallel()
	e, st, mock := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 100.00)
	e.tick()
	if open, _ := st.OpenOrders(ctx, "BTC-USD"); len(open) == 0 {
		t.Fatal("expected open orders before switch")
	}
	auditBefore, _ := st.AuditEntries(ctx, 100)

	if err := e.StartMarket(ctx, "ETH-USD", "user"); err != nil {
		t.Fatal(err)
	}

	btc, err := st.GetMarket(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if btc.Enabled {
		t.Error("BTC-USD still enabled after switch")
	}
	eth, err := st.GetMarket(ctx, "ETH-USD")
	if err != nil {
		t.Fatal(err)
	}
	if !eth.Enabled {
		t.Error("ETH-USD not enabled after switch")
	}
	if open, _ := st.OpenOrders(ctx, "BTC-USD"); len(open) != 0 {
		t.Errorf("BTC-USD open orders = %d, want 0", len(open))
	}
	if n := mock.OpenOrderCount(); n != 0 {
		t.Errorf("exchange open = %d, want 0", n)
	}

	auditAfter, err := st.AuditEntries(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if delta := len(auditAfter) - len(auditBefore); delta < 2 {
		t.Errorf("audit entries added = %d, want ≥ 2 (stop + start)", delta)
	}
}

func TestKillSwitchCancelsEverything(t *testing.T) {
	t.Parallel()
	e, st, mock := newEngineFixture(t, func(c *config.Config) {
		c.Trading.MinBandOrders = 25
		c.Trading.MaxBandOrders = 25
		c.Trading.StagingBandDepthPct = 0.30
	})
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 100.00)
	e.tick()
	e.tick() // reconcile budget is 10/tick; three ticks place all 25
	e.tick()

	open, _ := st.OpenOrders(ctx, "")
	if len(open) != 25 {
		t.Fatalf("open orders = %d, want 25", len(open))
	}

	if err := e.CancelAll(ctx, "user"); err != nil {
		t.Fatal(err)
	}
	// The drain phase retries while STOPPED until the book is clean.
	for i := 0; i < 3; i++ {
		e.tick()
	}

	if open, _ := st.OpenOrders(ctx, ""); len(open) != 0 {
		t.Fatalf("open orders after kill = %d, want 0", len(open))
	}
	if n := mock.OpenOrderCount(); n != 0 {
		t.Fatalf("exchange open after kill = %d, want 0", n)
	}
	state, _ := st.GetBotState(ctx)
	if state.Mode != types.ModeStopped {
		t.Fatalf("mode = %s, want STOPPED", state.Mode)
	}
	markets, _ := st.ListMarkets(ctx)
	for _, m := range markets {
		if m.Enabled {
			t.Errorf("market %s still enabled after kill", m.ID)
		}
	}
}

// A buy that fills while its cancel is in flight must still become a lot
// with a paired sell, even though the engine is already STOPPED.
func TestKillRaceFillStillPaired(t *testing.T) {
	t.Parallel()
	e, st, _ := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 100.00)
	e.tick()

	open, err := st.OpenOrders(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) == 0 {
		t.Fatal("no grid orders placed")
	}
	raced := open[0]

	if err := e.CancelAll(ctx, "user"); err != nil {
		t.Fatal(err)
	}

	// The fill report for the top order arrives after the kill.
	e.fills.Push(types.Fill{
		ID:        "race-fill-1",
		OrderID:   raced.ID,
		MarketID:  "BTC-USD",
		Side:      types.BUY,
		Price:     raced.Price,
		Size:      raced.Size,
		Timestamp: time.Now().UTC(),
	})
	e.tick() // STOPPED: queued fills apply, residue drains

	// The lot exists; its paired sell was swept with everything else and
	// the lot went back to OPEN so the sell re-places on resume.
	lots, err := st.OpenLots(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 {
		t.Fatalf("lots = %d, want 1", len(lots))
	}
	if lots[0].Status != types.LotOpen {
		t.Fatalf("lot status = %s, want OPEN", lots[0].Status)
	}
	if open, _ := st.OpenOrders(ctx, ""); len(open) != 0 {
		t.Fatalf("open orders after kill tick = %d, want 0", len(open))
	}
	if e.fills.Len() != 0 {
		t.Fatalf("fill queue length = %d after drain, want 0", e.fills.Len())
	}

	// Resume trading: the pending sell re-places once its backoff passes.
	past := time.Now().Add(-time.Minute).UTC()
	lots[0].LastSellAttempt = &past
	if err := st.UpdateLot(ctx, lots[0]); err != nil {
		t.Fatal(err)
	}
	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 100.00)
	e.tick()

	lots, _ = st.OpenLots(ctx, "BTC-USD")
	if len(lots) != 1 || lots[0].Status != types.LotSellPlaced {
		t.Fatalf("lot not re-paired after resume: %+v", lots)
	}
	if lots[0].SellPrice <= raced.Price {
		t.Fatalf("sell price = %v, not above entry %v", lots[0].SellPrice, raced.Price)
	}
}

func TestPausedTickIsNoOp(t *testing.T) {
	t.Parallel()
	e, st, _ := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(ctx, "user"); err != nil {
		t.Fatal(err)
	}

	setPrice(e, 100.00)
	e.tick()
	if open, _ := st.OpenOrders(ctx, ""); len(open) != 0 {
		t.Fatalf("paused tick placed %d orders", len(open))
	}

	if err := e.Resume(ctx, "user"); err != nil {
		t.Fatal(err)
	}
	e.tick()
	if open, _ := st.OpenOrders(ctx, ""); len(open) != 10 {
		t.Fatalf("resumed tick placed %d orders, want 10", len(open))
	}
}

func TestHoldSuspendsBuys(t *testing.T) {
	t.Parallel()
	e, st, _ := newEngineFixture(t, func(c *config.Config) {
		c.Trading.BudgetUSD = 500
		c.Trading.MaxGridCapitalPct = 0.5 // cap: $250
	})
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}

	// Pre-existing inventory past the cap.
	if _, err := st.CreateLot(ctx, types.Lot{
		MarketID: "BTC-USD", BuyOrderID: "b0", BuyPrice: 100, BuySize: 3,
		BuyCost: 300, BuyTime: time.Now().UTC(), Status: types.LotOpen,
	}); err != nil {
		t.Fatal(err)
	}

	setPrice(e, 100.00)
	e.tick()

	state, _ := st.GetBotState(ctx)
	if state.Mode != types.ModeHold {
		t.Fatalf("mode = %s, want HOLD", state.Mode)
	}
	open, _ := st.OpenOrders(ctx, "")
	for _, o := range open {
		if o.Side == types.BUY {
			t.Fatalf("buy placed while in HOLD: %+v", o)
		}
	}
}

func TestAnchorResetReseedsFromPrice(t *testing.T) {
	t.Parallel()
	e, st, _ := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 150)
	e.tick()
	if state, _ := st.GetBotState(ctx); state.AnchorHigh != 150 {
		t.Fatalf("anchor = %v, want 150", state.AnchorHigh)
	}

	if err := e.ResetAnchor(ctx, "user"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 120)
	e.tick()
	if state, _ := st.GetBotState(ctx); state.AnchorHigh != 120 {
		t.Fatalf("anchor after reset = %v, want 120", state.AnchorHigh)
	}
}

func TestAnchorSurvivesRestart(t *testing.T) {
	t.Parallel()
	e, st, _ := newEngineFixture(t, nil)
	ctx := context.Background()

	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	setPrice(e, 150)
	e.tick()

	if err := e.StopMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}

	// Price fell while the market was off. Restarting resumes the
	// remembered anchor instead of re-seeding from the lower price.
	if err := e.StartMarket(ctx, "BTC-USD", "test"); err != nil {
		t.Fatal(err)
	}
	if state, _ := st.GetBotState(ctx); state.AnchorHigh != 150 {
		t.Fatalf("anchor after restart = %v, want 150", state.AnchorHigh)
	}
	setPrice(e, 120)
	e.tick()
	if state, _ := st.GetBotState(ctx); state.AnchorHigh != 150 {
		t.Fatalf("anchor = %v, want 150 held across restart", state.AnchorHigh)
	}
}

func TestFillQueueOrdersByTimestamp(t *testing.T) {
	t.Parallel()
	q := newFillQueue()
	base := time.Now().UTC()

	q.Push(types.Fill{ID: "c", Timestamp: base.Add(2 * time.Second)})
	q.Push(types.Fill{ID: "a", Timestamp: base})
	q.Push(types.Fill{ID: "b", Timestamp: base.Add(time.Second)})

	got := q.Drain()
	want := []string{"a", "b", "c"}
	for i, f := range got {
		if f.ID != want[i] {
			t.Fatalf("drain order = %v at %d, want %v", f.ID, i, want[i])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d", q.Len())
	}
}
