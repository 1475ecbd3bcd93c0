// mock.go implements a deterministic in-memory exchange. It honors the
// same idempotency and fill semantics as the live client: placements dedup
// by client tag, and resting limit orders fill when a pushed price crosses
// them (BUY fills at or below its limit, SELL at or above). Fills execute
// at the limit price with zero fees unless a fee rate is set.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinbase-gridbot/pkg/types"
)

// Mock is an in-memory Adapter for tests and the dev exchange_type.
type Mock struct {
	mu       sync.Mutex
	products []types.Product
	balances map[string]float64
	orders   map[string]*types.Order // by exchange order ID
	byTag    map[string]string       // client tag -> order ID
	fills    []types.Fill
	feeRate  float64
	seq      int
	placeErr map[string]error // one-shot placement failure by client tag

	tickerSubs []TickerFunc
	fillSubs   []FillFunc
}

// NewMock creates a mock exchange with a default product set and balances.
func NewMock() *Mock {
	return &Mock{
		products: []types.Product{
			{ID: "BTC-USD", BaseIncrement: 0.00000001, QuoteIncrement: 0.01, MinSize: 0.00001, Price: 50000, Volume24h: 1e9},
			{ID: "ETH-USD", BaseIncrement: 0.00000001, QuoteIncrement: 0.01, MinSize: 0.0001, Price: 3000, Volume24h: 5e8},
			{ID: "SOL-USD", BaseIncrement: 0.00000001, QuoteIncrement: 0.01, MinSize: 0.001, Price: 150, Volume24h: 2e8},
		},
		balances: map[string]float64{"USD": 100000},
		orders:   make(map[string]*types.Order),
		byTag:    make(map[string]string),
		placeErr: make(map[string]error),
	}
}

// FailPlacement makes the next placement carrying tag fail with err.
func (m *Mock) FailPlacement(tag string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr[tag] = err
}

// SetFeeRate sets the proportional fee charged on fills (e.g. 0.006).
func (m *Mock) SetFeeRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
}

// SetBalance overrides a currency balance.
func (m *Mock) SetBalance(currency string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[currency] = amount
}

func (m *Mock) GetProducts(ctx context.Context) ([]types.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Product, len(m.products))
	copy(out, m.products)
	return out, nil
}

func (m *Mock) GetBalances(ctx context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) GetTicker(ctx context.Context, productID string) (types.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.ID == productID {
			return types.Ticker{ProductID: productID, Price: p.Price, Time: time.Now().UTC()}, nil
		}
	}
	return types.Ticker{}, fmt.Errorf("unknown product %s", productID)
}

func (m *Mock) PlaceLimitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotency: same tag returns the original order.
	if id, ok := m.byTag[req.ClientTag]; ok {
		return id, nil
	}

	if err, ok := m.placeErr[req.ClientTag]; ok {
		delete(m.placeErr, req.ClientTag)
		return "", err
	}

	m.seq++
	id := uuid.NewString()
	m.orders[id] = &types.Order{
		ID:        id,
		ClientTag: req.ClientTag,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Status:    types.OrderOpen,
		CreatedAt: time.Now().UTC(),
	}
	m.byTag[req.ClientTag] = id
	return id, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		return ErrOrderNotFound
	}
	o.Status = types.OrderCanceled
	return nil
}

func (m *Mock) ListOpenOrders(ctx context.Context, productID string) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Order
	for _, o := range m.orders {
		if o.Status != types.OrderOpen {
			continue
		}
		if productID != "" && o.MarketID != productID {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mock) GetFills(ctx context.Context, productID string, since time.Time) ([]types.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Fill
	for _, f := range m.fills {
		if f.Timestamp.Before(since) {
			continue
		}
		if productID != "" && f.MarketID != productID {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *Mock) StreamTicker(ctx context.Context, productIDs []string, fn TickerFunc) error {
	m.mu.Lock()
	m.tickerSubs = append(m.tickerSubs, fn)
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (m *Mock) StreamFills(ctx context.Context, fn FillFunc) error {
	m.mu.Lock()
	m.fillSubs = append(m.fillSubs, fn)
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// SetPrice moves the market: updates the product price, delivers a ticker
// to stream subscribers, and fills any resting orders the new price crosses.
func (m *Mock) SetPrice(productID string, price float64) {
	m.mu.Lock()

	for i := range m.products {
		if m.products[i].ID == productID {
			m.products[i].Price = price
		}
	}

	now := time.Now().UTC()
	tick := types.Ticker{ProductID: productID, Price: price, Time: now}

	var newFills []types.Fill
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic fill order
	for _, id := range ids {
		o := m.orders[id]
		if o.Status != types.OrderOpen || o.MarketID != productID {
			continue
		}
		crossed := (o.Side == types.BUY && price <= o.Price) ||
			(o.Side == types.SELL && price >= o.Price)
		if !crossed {
			continue
		}
		o.Status = types.OrderFilled
		m.seq++
		fill := types.Fill{
			ID:        fmt.Sprintf("mock-fill-%d", m.seq),
			OrderID:   o.ID,
			MarketID:  o.MarketID,
			Side:      o.Side,
			Price:     o.Price, // fills execute at the limit price
			Size:      o.Size,
			Fee:       o.Price * o.Size * m.feeRate,
			Timestamp: now,
		}
		m.fills = append(m.fills, fill)
		newFills = append(newFills, fill)
	}

	tickerSubs := make([]TickerFunc, len(m.tickerSubs))
	copy(tickerSubs, m.tickerSubs)
	fillSubs := make([]FillFunc, len(m.fillSubs))
	copy(fillSubs, m.fillSubs)
	m.mu.Unlock()

	// Callbacks run outside the lock so subscribers can call back in.
	for _, fn := range tickerSubs {
		fn(tick)
	}
	for _, fill := range newFills {
		for _, fn := range fillSubs {
			fn(fill)
		}
	}
}

// OpenOrderCount is a test helper.
func (m *Mock) OpenOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.Status == types.OrderOpen {
			n++
		}
	}
	return n
}
