package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/risk"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/internal/strategy"
	"coinbase-gridbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testProduct() types.Product {
	return types.Product{ID: "BTC-USD", BaseIncrement: 0.00000001, QuoteIncrement: 0.01, MinSize: 0.00001}
}

func newFixture(t *testing.T) (*Reconciler, *store.Store, *exchange.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mock := exchange.NewMock()
	cfg := config.Defaults()
	lm := strategy.NewLotManager(st, mock, func() config.TradingConfig { return cfg }, testProduct(), testLogger())
	return New(st, mock, lm, testLogger()), st, mock
}

func admitAll(types.OrderRequest) risk.Decision { return risk.Decision{Admitted: true} }

func levels(prices ...float64) []strategy.Level {
	out := make([]strategy.Level, 0, len(prices))
	for _, p := range prices {
		out = append(out, strategy.Level{
			Price:     p,
			Size:      1.0,
			ClientTag: strategy.LevelTag("BTC-USD", p),
		})
	}
	return out
}

func TestTickExtendsDesiredGrid(t *testing.T) {
	t.Parallel()
	r, st, mock := newFixture(t)
	ctx := context.Background()

	res, err := r.Tick(ctx, "BTC-USD", levels(99.00, 98.01, 97.03), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 3 {
		t.Fatalf("placed = %d, want 3", res.Placed)
	}
	if n := mock.OpenOrderCount(); n != 3 {
		t.Fatalf("exchange open = %d, want 3", n)
	}
	open, err := st.OpenOrders(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 3 {
		t.Fatalf("store open = %d, want 3", len(open))
	}

	// Same desired set again: idempotent, nothing placed.
	res, err = r.Tick(ctx, "BTC-USD", levels(99.00, 98.01, 97.03), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 0 || res.Canceled != 0 {
		t.Fatalf("second pass placed=%d canceled=%d, want 0/0", res.Placed, res.Canceled)
	}
}

func TestTickPrunesOrdersBelowBandFloor(t *testing.T) {
	t.Parallel()
	r, st, mock := newFixture(t)
	ctx := context.Background()

	if _, err := r.Tick(ctx, "BTC-USD", levels(99.00, 98.01), admitAll); err != nil {
		t.Fatal(err)
	}
	// Price ran up: the band now sits entirely above the old orders, so
	// both fall below the new floor and are pruned.
	res, err := r.Tick(ctx, "BTC-USD", levels(103.00, 101.97), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Canceled != 2 || res.Placed != 2 {
		t.Fatalf("canceled=%d placed=%d, want 2/2", res.Canceled, res.Placed)
	}

	open, err := st.OpenOrders(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	tags := make(map[string]bool)
	for _, o := range open {
		tags[o.ClientTag] = true
	}
	if tags[strategy.LevelTag("BTC-USD", 99.00)] {
		t.Error("pruned level still open in store")
	}
	if !tags[strategy.LevelTag("BTC-USD", 103.00)] {
		t.Error("extended level missing")
	}
	if n := mock.OpenOrderCount(); n != 2 {
		t.Fatalf("exchange open = %d, want 2", n)
	}
}

func TestTickRebaseKeepsOrdersAboveFloor(t *testing.T) {
	t.Parallel()
	r, _, mock := newFixture(t)
	ctx := context.Background()

	if _, err := r.Tick(ctx, "BTC-USD", levels(99.00, 98.01), admitAll); err != nil {
		t.Fatal(err)
	}
	// The level set shifted upward but the floor stayed below the old
	// orders: they are kept, only the genuinely new level is placed.
	res, err := r.Tick(ctx, "BTC-USD", levels(100.98, 98.01), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Canceled != 0 {
		t.Fatalf("canceled = %d, want 0 (rebase must not churn)", res.Canceled)
	}
	if res.Placed != 1 {
		t.Fatalf("placed = %d, want 1", res.Placed)
	}
	if n := mock.OpenOrderCount(); n != 3 {
		t.Fatalf("exchange open = %d, want 3", n)
	}
}

func TestTickRespectsBudget(t *testing.T) {
	t.Parallel()
	r, _, _ := newFixture(t)
	ctx := context.Background()

	prices := make([]float64, 0, 15)
	p := 99.00
	for i := 0; i < 15; i++ {
		prices = append(prices, p)
		p -= 0.50
	}

	res, err := r.Tick(ctx, "BTC-USD", levels(prices...), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != defaultBudget {
		t.Fatalf("placed = %d, want budget %d", res.Placed, defaultBudget)
	}

	// Remaining drift converges next tick.
	res, err = r.Tick(ctx, "BTC-USD", levels(prices...), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 5 {
		t.Fatalf("second tick placed = %d, want 5", res.Placed)
	}
}

func TestTickDeniedPlacementsSkipped(t *testing.T) {
	t.Parallel()
	r, _, mock := newFixture(t)
	ctx := context.Background()

	denyBelow := func(req types.OrderRequest) risk.Decision {
		if req.Price < 98.00 {
			return risk.Decision{Reason: "budget"}
		}
		return risk.Decision{Admitted: true}
	}
	res, err := r.Tick(ctx, "BTC-USD", levels(99.00, 98.01, 97.03), denyBelow)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 2 || res.Denied != 1 {
		t.Fatalf("placed=%d denied=%d, want 2/1", res.Placed, res.Denied)
	}
	if n := mock.OpenOrderCount(); n != 2 {
		t.Fatalf("exchange open = %d, want 2", n)
	}
}

func TestTransientErrorShrinksBudgetAndGates(t *testing.T) {
	t.Parallel()
	r, _, _ := newFixture(t)

	r.noteTransient(exchange.ErrRateLimited)
	if r.Budget() != defaultBudget/2 {
		t.Fatalf("budget = %d, want %d", r.Budget(), defaultBudget/2)
	}
	for i := 0; i < 10; i++ {
		r.noteTransient(&exchange.APIError{Status: 503, Transient: true})
	}
	if r.Budget() != 1 {
		t.Fatalf("budget = %d, want floor 1", r.Budget())
	}

	// Cooldown gates the next placement pass.
	res, err := r.Tick(context.Background(), "BTC-USD", levels(99.00), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Gated || res.Placed != 0 {
		t.Fatalf("gated=%v placed=%d, want gated with no placements", res.Gated, res.Placed)
	}

	// Permanent errors never touch the budget.
	before := r.Budget()
	r.noteTransient(&exchange.APIError{Status: 400})
	if r.Budget() != before {
		t.Fatalf("budget moved on permanent error: %d → %d", before, r.Budget())
	}
}

func TestRejectedLevelSkippedNotRetried(t *testing.T) {
	t.Parallel()
	r, st, mock := newFixture(t)
	ctx := context.Background()

	badTag := strategy.LevelTag("BTC-USD", 98.01)
	mock.FailPlacement(badTag, &exchange.APIError{Status: 400, Body: "size too precise"})

	res, err := r.Tick(ctx, "BTC-USD", levels(99.00, 98.01, 97.03), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 2 || res.Rejected != 1 {
		t.Fatalf("placed=%d rejected=%d, want 2/1", res.Placed, res.Rejected)
	}
	if n := mock.OpenOrderCount(); n != 2 {
		t.Fatalf("exchange open = %d, want 2 (ladder continues past the reject)", n)
	}
	o, err := st.GetOrderByTag(ctx, badTag)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != types.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", o.Status)
	}
	if r.Budget() != defaultBudget {
		t.Fatalf("budget = %d, want %d (permanent errors leave it alone)", r.Budget(), defaultBudget)
	}

	// The rejection sticks: the identical request is not re-issued even
	// though the exchange would accept it now.
	res, err = r.Tick(ctx, "BTC-USD", levels(99.00, 98.01, 97.03), admitAll)
	if err != nil {
		t.Fatal(err)
	}
	if res.Placed != 0 || res.Rejected != 0 {
		t.Fatalf("second pass placed=%d rejected=%d, want 0/0", res.Placed, res.Rejected)
	}
	if n := mock.OpenOrderCount(); n != 2 {
		t.Fatalf("exchange open = %d, want 2 after second pass", n)
	}
}

func TestStartupCancelsUnknownOrders(t *testing.T) {
	t.Parallel()
	r, _, mock := newFixture(t)
	ctx := context.Background()

	// An order resting on the exchange with a foreign tag.
	if _, err := mock.PlaceLimitOrder(ctx, types.OrderRequest{
		MarketID: "BTC-USD", Side: types.BUY, Price: 95, Size: 1, ClientTag: "manual-trade-7",
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Startup(ctx, "BTC-USD"); err != nil {
		t.Fatal(err)
	}
	if n := mock.OpenOrderCount(); n != 0 {
		t.Fatalf("exchange open = %d, want 0 after orphan cancel", n)
	}
}

func TestStartupAdoptsOwnUntrackedOrder(t *testing.T) {
	t.Parallel()
	r, st, mock := newFixture(t)
	ctx := context.Background()

	// PlaceLimitOrder succeeded but the store write never landed.
	tag := strategy.LevelTag("BTC-USD", 98.01)
	id, err := mock.PlaceLimitOrder(ctx, types.OrderRequest{
		MarketID: "BTC-USD", Side: types.BUY, Price: 98.01, Size: 1, ClientTag: tag,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Startup(ctx, "BTC-USD"); err != nil {
		t.Fatal(err)
	}
	o, err := st.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("adopted order not in store: %v", err)
	}
	if o.Status != types.OrderOpen || o.ClientTag != tag {
		t.Fatalf("adopted order = %+v", o)
	}
	if n := mock.OpenOrderCount(); n != 1 {
		t.Fatalf("exchange open = %d, want 1 (our order kept)", n)
	}
}

func TestStartupResolvesOrphanLocalViaFills(t *testing.T) {
	t.Parallel()
	r, st, mock := newFixture(t)
	ctx := context.Background()

	// A buy the store believes is OPEN filled at 98 while we were down.
	id, err := mock.PlaceLimitOrder(ctx, types.OrderRequest{
		MarketID: "BTC-USD", Side: types.BUY, Price: 98.00, Size: 1,
		ClientTag: strategy.LevelTag("BTC-USD", 98.00), PostOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveOrder(ctx, types.Order{
		ID: id, ClientTag: strategy.LevelTag("BTC-USD", 98.00), MarketID: "BTC-USD",
		Side: types.BUY, Price: 98.00, Size: 1, Status: types.OrderOpen,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	mock.SetPrice("BTC-USD", 97.50) // crosses the buy

	if err := r.Startup(ctx, "BTC-USD"); err != nil {
		t.Fatal(err)
	}

	o, err := st.GetOrder(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != types.OrderFilled {
		t.Fatalf("order status = %s, want FILLED", o.Status)
	}
	lots, err := st.OpenLots(ctx, "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 {
		t.Fatalf("lots = %d, want 1 from fill replay", len(lots))
	}
	if lots[0].BuyPrice != 98.00 {
		t.Fatalf("lot buy price = %v, want 98.00", lots[0].BuyPrice)
	}
	// The paired sell was placed at 98 × 1.01 = 98.98.
	if lots[0].Status != types.LotSellPlaced {
		t.Fatalf("lot status = %s, want SELL_PLACED", lots[0].Status)
	}
	if lots[0].SellPrice != 98.98 {
		t.Fatalf("sell price = %v, want 98.98", lots[0].SellPrice)
	}
}

func TestStartupMarksVanishedOrderCanceled(t *testing.T) {
	t.Parallel()
	r, st, _ := newFixture(t)
	ctx := context.Background()

	if err := st.SaveOrder(ctx, types.Order{
		ID: "gone-1", ClientTag: strategy.LevelTag("BTC-USD", 97.00), MarketID: "BTC-USD",
		Side: types.BUY, Price: 97.00, Size: 1, Status: types.OrderOpen,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Startup(ctx, "BTC-USD"); err != nil {
		t.Fatal(err)
	}
	o, err := st.GetOrder(ctx, "gone-1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != types.OrderCanceled {
		t.Fatalf("status = %s, want CANCELED", o.Status)
	}
}
