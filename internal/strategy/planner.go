// Package strategy implements the grid-trading core: the staging-band
// planner that decides which BUY levels should exist, the sell-price
// policy for paired exits, and the lot manager that carries each buy fill
// through to its profitable close.
//
// The grid anchors to the highest price ever seen (the "Add-Only Rebase"
// model): anchor_high only moves up, and the working band of buy orders
// trails the current price by staging_band_depth_pct. As price rises, low
// levels are pruned and new ones staged underneath; as price falls, buys
// fill and paired sells lock in one grid step of profit each.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/pkg/types"
)

// Level is one desired BUY order in the staging band.
type Level struct {
	Price     float64 // limit price, rounded down to the quote increment
	Size      float64 // base size, rounded down to the base increment
	ClientTag string  // deterministic tag: same inputs, same tag
}

// SizingInputs carries the live numbers sizing modes depend on.
type SizingInputs struct {
	AvailableUSD     float64 // for CAPITAL_PCT
	MonthRealizedPnL float64 // for SMART_REINVEST
}

// Planner computes the desired grid for one market. It is a pure function
// of its inputs: identical (price, anchor, config, sizing) always yields
// identical levels in identical order.
type Planner struct {
	cfg     config.TradingConfig
	product types.Product
}

// NewPlanner creates a planner for a market's product parameters.
func NewPlanner(cfg config.TradingConfig, product types.Product) *Planner {
	return &Planner{cfg: cfg, product: product}
}

// Levels returns the ordered (decreasing price) set of BUY levels that
// should exist given the current price and anchor.
//
// Derivation:
//
//	grid_top = buffer_enabled ? anchor × (1 − buffer_pct) : anchor
//	band_hi  = min(price, grid_top)
//	band_lo  = price × (1 − staging_band_depth_pct)
//	L_k      = band_hi × (1 − step)^k, k = 1, 2, …
//
// Generation stops when L_k drops below band_lo, capped at max_band_orders.
// If fewer than min_band_orders levels fit the band, it is widened
// downward (only downward) until the minimum is reached.
func (p *Planner) Levels(price, anchorHigh float64, sizing SizingInputs) []Level {
	if price <= 0 || anchorHigh <= 0 {
		return nil
	}

	gridTop := anchorHigh
	if p.cfg.BufferEnabled {
		gridTop = anchorHigh * (1 - p.cfg.BufferPct)
	}
	bandHi := price
	if gridTop < bandHi {
		bandHi = gridTop
	}
	if bandHi <= 0 {
		return nil
	}
	bandLo := price * (1 - p.cfg.StagingBandDepthPct)

	var prices []float64
	level := bandHi
	for k := 1; len(prices) < p.cfg.MaxBandOrders; k++ {
		level *= 1 - p.cfg.GridStepPct
		if level <= 0 {
			break
		}
		// Widen below band_lo only while under the minimum count.
		if level < bandLo && len(prices) >= p.cfg.MinBandOrders {
			break
		}
		prices = append(prices, level)
	}

	levels := make([]Level, 0, len(prices))
	for _, raw := range prices {
		px := roundToIncrement(raw, p.product.QuoteIncrement)
		if px <= 0 {
			continue
		}
		sizeUSD := p.sizeUSD(len(prices), sizing)
		sz := roundDownToIncrement(sizeUSD/px, p.product.BaseIncrement)
		if sz < p.product.MinSize {
			continue
		}
		levels = append(levels, Level{
			Price:     px,
			Size:      sz,
			ClientTag: LevelTag(p.product.ID, px),
		})
	}
	return levels
}

// sizeUSD returns the quote-currency notional per level for the configured
// sizing mode.
func (p *Planner) sizeUSD(levelCount int, sizing SizingInputs) float64 {
	var usd float64
	switch p.cfg.SizingMode {
	case types.SizingFixedUSD:
		usd = p.cfg.FixedUSDPerTrade
	case types.SizingCapitalPct:
		usd = sizing.AvailableUSD * p.cfg.CapitalPctPerTrade / 100
	default: // BUDGET_SPLIT
		if levelCount <= 0 {
			return 0
		}
		usd = p.cfg.BudgetUSD / float64(levelCount)
	}

	// Below the monthly profit target, SMART_REINVEST buys conservatively.
	if p.cfg.ProfitMode == types.ProfitSmartReinvest &&
		sizing.MonthRealizedPnL < p.cfg.MonthlyProfitTargetUSD {
		usd *= p.cfg.ConservativeSizeFactor
	}
	return usd
}

// LevelTag builds the deterministic client tag for a grid level. The price
// is embedded verbatim so re-planning the same grid reuses the same tags,
// which is what makes placement idempotent across restarts.
func LevelTag(marketID string, price float64) string {
	return fmt.Sprintf("grid-%s-%s", marketID, decimal.NewFromFloat(price).String())
}

// SellTag builds the client tag for a lot's paired sell.
func SellTag(lotID int64) string {
	return fmt.Sprintf("sell-%d", lotID)
}

// roundToIncrement rounds v to the nearest multiple of inc using exact
// decimal arithmetic. Level prices use nearest-rounding: repeated ×(1−step)
// drifts a hair below the exact value in float64, and flooring would walk
// the whole grid down one increment.
func roundToIncrement(v, inc float64) float64 {
	if inc <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	di := decimal.NewFromFloat(inc)
	f, _ := dv.Div(di).Round(0).Mul(di).Float64()
	return f
}

// roundDownToIncrement floors v to a multiple of inc. Sizes round down so
// an order never exceeds its intended notional.
func roundDownToIncrement(v, inc float64) float64 {
	if inc <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	di := decimal.NewFromFloat(inc)
	f, _ := dv.Div(di).Floor().Mul(di).Float64()
	return f
}

// roundUpToIncrement ceils v to a multiple of inc.
func roundUpToIncrement(v, inc float64) float64 {
	if inc <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	di := decimal.NewFromFloat(inc)
	f, _ := dv.Div(di).Ceil().Mul(di).Float64()
	return f
}
