package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"coinbase-gridbot/pkg/types"
)

func timeZero() time.Time { return time.Time{} }

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestMockPlaceIdempotentByTag(t *testing.T) {
	t.Parallel()
	m := NewMock()

	req := types.OrderRequest{MarketID: "BTC-USD", Side: types.BUY, Price: 49000, Size: 0.01, ClientTag: "tag-a"}
	id1, err := m.PlaceLimitOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.PlaceLimitOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("same tag produced different orders: %s vs %s", id1, id2)
	}
	if m.OpenOrderCount() != 1 {
		t.Errorf("open orders = %d, want 1", m.OpenOrderCount())
	}
}

func TestMockCancelUnknown(t *testing.T) {
	t.Parallel()
	m := NewMock()
	if err := m.CancelOrder(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestMockFillsOnCross(t *testing.T) {
	t.Parallel()
	m := NewMock()
	m.SetFeeRate(0.001)

	buyID, _ := m.PlaceLimitOrder(context.Background(), types.OrderRequest{
		MarketID: "BTC-USD", Side: types.BUY, Price: 49000, Size: 0.01, ClientTag: "b1",
	})
	sellID, _ := m.PlaceLimitOrder(context.Background(), types.OrderRequest{
		MarketID: "BTC-USD", Side: types.SELL, Price: 51000, Size: 0.01, ClientTag: "s1",
	})

	// Price at 50k crosses neither side.
	m.SetPrice("BTC-USD", 50000)
	if m.OpenOrderCount() != 2 {
		t.Fatalf("open = %d, want 2", m.OpenOrderCount())
	}

	// Drop through the buy.
	m.SetPrice("BTC-USD", 48900)
	fills, _ := m.GetFills(context.Background(), "BTC-USD", timeZero())
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].OrderID != buyID {
		t.Errorf("filled order = %s, want %s", fills[0].OrderID, buyID)
	}
	if fills[0].Price != 49000 {
		t.Errorf("fill price = %v, want limit price 49000", fills[0].Price)
	}
	if fills[0].Fee != 49000*0.01*0.001 {
		t.Errorf("fee = %v", fills[0].Fee)
	}

	// Spike through the sell.
	m.SetPrice("BTC-USD", 51500)
	fills, _ = m.GetFills(context.Background(), "BTC-USD", timeZero())
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[1].OrderID != sellID {
		t.Errorf("second fill order = %s, want %s", fills[1].OrderID, sellID)
	}
	if m.OpenOrderCount() != 0 {
		t.Errorf("open = %d, want 0", m.OpenOrderCount())
	}
}

func TestMockStreamDelivery(t *testing.T) {
	t.Parallel()
	m := NewMock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan types.Ticker, 8)
	fills := make(chan types.Fill, 8)
	go m.StreamTicker(ctx, []string{"ETH-USD"}, func(t types.Ticker) { ticks <- t })
	go m.StreamFills(ctx, func(f types.Fill) { fills <- f })

	// Give the goroutines a beat to register.
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.tickerSubs) == 1 && len(m.fillSubs) == 1
	})

	m.PlaceLimitOrder(context.Background(), types.OrderRequest{
		MarketID: "ETH-USD", Side: types.BUY, Price: 2900, Size: 1, ClientTag: "e1",
	})
	m.SetPrice("ETH-USD", 2850)

	tick := <-ticks
	if tick.Price != 2850 {
		t.Errorf("tick price = %v", tick.Price)
	}
	fill := <-fills
	if fill.Side != types.BUY || fill.Price != 2900 {
		t.Errorf("fill = %+v", fill)
	}
}
