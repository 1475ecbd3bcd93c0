// adapter.go defines the exchange abstraction the engine trades through.
// Three implementations exist: Client (live Coinbase Advanced Trade),
// Mock (deterministic in-memory exchange for tests and dev), and Paper
// (real market data, simulated fills).
package exchange

import (
	"context"
	"time"

	"coinbase-gridbot/pkg/types"
)

// TickerFunc receives live price updates from StreamTicker.
type TickerFunc func(types.Ticker)

// FillFunc receives fill notifications from StreamFills.
type FillFunc func(types.Fill)

// Adapter is the surface the engine uses to talk to an exchange. All
// mutating calls are idempotent by client tag: placing the same tag twice
// returns the original order instead of creating a duplicate.
type Adapter interface {
	// GetProducts returns tradable spot products with their increments.
	GetProducts(ctx context.Context) ([]types.Product, error)

	// GetBalances returns available balances keyed by currency code.
	GetBalances(ctx context.Context) (map[string]float64, error)

	// GetTicker fetches the current price via REST. Used at startup and
	// when the stream goes stale.
	GetTicker(ctx context.Context, productID string) (types.Ticker, error)

	// PlaceLimitOrder submits a post-only limit order and returns the
	// exchange order ID.
	PlaceLimitOrder(ctx context.Context, req types.OrderRequest) (string, error)

	// CancelOrder cancels by exchange order ID. Returns ErrOrderNotFound
	// if the order is already terminal or unknown.
	CancelOrder(ctx context.Context, orderID string) error

	// ListOpenOrders returns all currently resting orders, optionally
	// filtered to one product ("" = all).
	ListOpenOrders(ctx context.Context, productID string) ([]types.Order, error)

	// GetFills returns fills since the given time, oldest first.
	GetFills(ctx context.Context, productID string, since time.Time) ([]types.Fill, error)

	// StreamTicker delivers price updates for the given products until ctx
	// is cancelled. Blocks; run in its own goroutine.
	StreamTicker(ctx context.Context, productIDs []string, fn TickerFunc) error

	// StreamFills delivers fill events for the authenticated account until
	// ctx is cancelled. Blocks; run in its own goroutine.
	StreamFills(ctx context.Context, fn FillFunc) error
}
