// paper.go implements paper trading: real market data from a live adapter,
// simulated order execution against it. Orders rest in an in-memory book
// and fill when the streamed price crosses them, so the full engine path
// (placement, fills, lots, PnL) runs without touching the real account.
package exchange

import (
	"context"
	"time"

	"coinbase-gridbot/pkg/types"
)

// Paper wraps a data source adapter and routes all mutating calls to an
// internal simulated book.
type Paper struct {
	data Adapter // live market data (products, tickers)
	sim  *Mock   // simulated order book, balances, fills
}

// NewPaper creates a paper-trading adapter on top of a live data source.
func NewPaper(data Adapter, startingUSD float64) *Paper {
	sim := NewMock()
	sim.SetBalance("USD", startingUSD)
	return &Paper{data: data, sim: sim}
}

// GetProducts returns real products so increments and min sizes are
// accurate.
func (p *Paper) GetProducts(ctx context.Context) ([]types.Product, error) {
	return p.data.GetProducts(ctx)
}

// GetBalances returns the simulated paper balances.
func (p *Paper) GetBalances(ctx context.Context) (map[string]float64, error) {
	return p.sim.GetBalances(ctx)
}

// GetTicker returns the real market price.
func (p *Paper) GetTicker(ctx context.Context, productID string) (types.Ticker, error) {
	return p.data.GetTicker(ctx, productID)
}

func (p *Paper) PlaceLimitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	return p.sim.PlaceLimitOrder(ctx, req)
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	return p.sim.CancelOrder(ctx, orderID)
}

func (p *Paper) ListOpenOrders(ctx context.Context, productID string) ([]types.Order, error) {
	return p.sim.ListOpenOrders(ctx, productID)
}

func (p *Paper) GetFills(ctx context.Context, productID string, since time.Time) ([]types.Fill, error) {
	return p.sim.GetFills(ctx, productID, since)
}

// StreamTicker streams real prices, running the fill simulation on each
// update before forwarding it to the caller.
func (p *Paper) StreamTicker(ctx context.Context, productIDs []string, fn TickerFunc) error {
	return p.data.StreamTicker(ctx, productIDs, func(t types.Ticker) {
		p.sim.SetPrice(t.ProductID, t.Price)
		fn(t)
	})
}

// StreamFills delivers simulated fills produced by the price stream.
func (p *Paper) StreamFills(ctx context.Context, fn FillFunc) error {
	return p.sim.StreamFills(ctx, fn)
}
