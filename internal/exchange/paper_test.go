package exchange

import (
	"context"
	"testing"

	"coinbase-gridbot/pkg/types"
)

func TestPaperSimulatesFillsFromRealPrices(t *testing.T) {
	t.Parallel()

	data := NewMock() // stands in for the live data feed
	p := NewPaper(data, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fills := make(chan types.Fill, 4)
	go p.StreamTicker(ctx, []string{"BTC-USD"}, func(types.Ticker) {})
	go p.StreamFills(ctx, func(f types.Fill) { fills <- f })

	waitFor(t, func() bool {
		data.mu.Lock()
		defer data.mu.Unlock()
		p.sim.mu.Lock()
		defer p.sim.mu.Unlock()
		return len(data.tickerSubs) == 1 && len(p.sim.fillSubs) == 1
	})

	// Order rests in the paper book, not the data source.
	if _, err := p.PlaceLimitOrder(context.Background(), types.OrderRequest{
		MarketID: "BTC-USD", Side: types.BUY, Price: 49500, Size: 0.01, ClientTag: "p1",
	}); err != nil {
		t.Fatal(err)
	}
	if data.OpenOrderCount() != 0 {
		t.Error("paper order leaked into the data source")
	}

	// A real price move through the limit fills the paper order.
	data.SetPrice("BTC-USD", 49000)
	fill := <-fills
	if fill.Price != 49500 || fill.Side != types.BUY {
		t.Errorf("fill = %+v", fill)
	}
}

func TestPaperBalancesAreSimulated(t *testing.T) {
	t.Parallel()

	p := NewPaper(NewMock(), 1234)
	bal, err := p.GetBalances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bal["USD"] != 1234 {
		t.Errorf("USD = %v, want 1234", bal["USD"])
	}
}
