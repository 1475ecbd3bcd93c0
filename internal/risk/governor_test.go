package risk

import (
	"testing"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/pkg/types"
)

func govCfg() config.TradingConfig {
	cfg := config.Defaults()
	cfg.BudgetUSD = 1000
	cfg.MaxGridCapitalPct = 0.70
	cfg.MaxOpenOrders = 5
	return cfg
}

func buyOrder(notional float64) types.OrderRequest {
	return types.OrderRequest{MarketID: "BTC-USD", Side: types.BUY, Price: notional, Size: 1}
}

func sellOrder() types.OrderRequest {
	return types.OrderRequest{MarketID: "BTC-USD", Side: types.SELL, Price: 100, Size: 1}
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	base := Inputs{
		Cfg:         govCfg(),
		Mode:        types.ModeRunning,
		LiveTrading: false,
		PaperMode:   true,
	}

	tests := []struct {
		name   string
		mutate func(*Inputs)
		order  types.OrderRequest
		want   bool
	}{
		{"buy admitted when running", nil, buyOrder(100), true},
		{"sell admitted when running", nil, sellOrder(), true},
		{"denied when paused", func(i *Inputs) { i.Mode = types.ModePaused }, sellOrder(), false},
		{"denied when stopped", func(i *Inputs) { i.Mode = types.ModeStopped }, sellOrder(), false},
		{"denied when neither live nor paper", func(i *Inputs) { i.PaperMode = false }, buyOrder(100), false},
		{"live flag alone admits", func(i *Inputs) { i.PaperMode = false; i.LiveTrading = true }, buyOrder(100), true},
		{"denied at open order cap", func(i *Inputs) { i.OpenOrders = 5 }, buyOrder(100), false},
		{"one below cap admits", func(i *Inputs) { i.OpenOrders = 4 }, buyOrder(100), true},
		{"buy denied over capital cap", func(i *Inputs) { i.DeployedUSD = 650 }, buyOrder(100), false}, // 650+100 > 700
		{"buy at exactly the cap admits", func(i *Inputs) { i.DeployedUSD = 600 }, buyOrder(100), true},
		{"hold denies buys", func(i *Inputs) { i.Mode = types.ModeHold }, buyOrder(100), false},
		{"hold admits sells", func(i *Inputs) { i.Mode = types.ModeHold; i.DeployedUSD = 900 }, sellOrder(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := base
			if tt.mutate != nil {
				tt.mutate(&in)
			}
			got := Admit(in, tt.order)
			if got.Admitted != tt.want {
				t.Errorf("Admit = %v (reason %q), want %v", got.Admitted, got.Reason, tt.want)
			}
			if !got.Admitted && got.Reason == "" {
				t.Error("denial must carry a reason")
			}
		})
	}
}

func TestHoldReached(t *testing.T) {
	t.Parallel()

	cfg := govCfg() // cap = 700
	if HoldReached(cfg, 699.99) {
		t.Error("below cap should not hold")
	}
	if !HoldReached(cfg, 700) {
		t.Error("at cap should hold")
	}
}
