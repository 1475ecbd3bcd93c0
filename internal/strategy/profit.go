// profit.go computes the exit price for a lot's paired sell. Whatever the
// profit mode, the result is floored at buy × (1 + step − fee_buffer) and
// rounded UP to the quote increment, so a closed lot can never realize a
// loss from rounding.
package strategy

import (
	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/pkg/types"
)

// SellPrice returns the limit price for the sell paired to a buy at
// buyPrice.
func SellPrice(cfg config.TradingConfig, product types.Product, buyPrice float64) float64 {
	var target float64
	switch cfg.ProfitMode {
	case types.ProfitCustom:
		target = buyPrice * (1 + cfg.CustomProfitPct)
	default:
		// STEP, STEP_REINVEST and SMART_REINVEST all exit one grid step up;
		// the reinvest modes differ only in how the proceeds size the next
		// buys.
		target = buyPrice * (1 + cfg.GridStepPct)
	}

	floor := buyPrice * (1 + cfg.GridStepPct - cfg.FeeBufferPct)
	if target < floor {
		target = floor
	}
	return roundUpToIncrement(target, product.QuoteIncrement)
}
