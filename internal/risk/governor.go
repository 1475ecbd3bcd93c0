// Package risk gates every order placement behind a pure admission check.
//
// The Governor holds no state and performs no I/O: the engine gathers the
// live numbers (open-order count, deployed capital, mode) each tick and
// asks for a verdict per candidate order. Keeping it pure makes the
// admission rules trivially testable and impossible to race.
package risk

import (
	"fmt"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/pkg/types"
)

// Inputs is everything an admission decision depends on.
type Inputs struct {
	Cfg         config.TradingConfig
	Mode        types.EngineMode
	OpenOrders  int     // current OPEN order count across the process
	DeployedUSD float64 // capital currently held in open lots
	LiveTrading bool
	PaperMode   bool
}

// Decision is the verdict for one candidate order.
type Decision struct {
	Admitted bool
	Reason   string // set when denied
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

var admitted = Decision{Admitted: true}

// Admit decides whether the candidate order may be placed.
//
// Sells are admitted in HOLD mode (reducing inventory is always allowed);
// buys are denied there. Everything is denied when the engine is PAUSED or
// STOPPED, and when neither live trading nor paper mode is switched on.
func Admit(in Inputs, order types.OrderRequest) Decision {
	switch in.Mode {
	case types.ModePaused, types.ModeStopped:
		return deny("engine is %s", in.Mode)
	}

	if !in.LiveTrading && !in.PaperMode {
		return deny("live trading disabled and paper mode off")
	}

	if in.OpenOrders >= in.Cfg.MaxOpenOrders {
		return deny("open order cap reached (%d)", in.Cfg.MaxOpenOrders)
	}

	if order.Side == types.BUY {
		if in.Mode == types.ModeHold {
			return deny("HOLD: inventory at capital cap, buys suspended")
		}
		capUSD := in.Cfg.BudgetUSD * in.Cfg.MaxGridCapitalPct
		if in.DeployedUSD+order.Notional() > capUSD {
			return deny("would exceed grid capital cap: deployed %.2f + %.2f > %.2f",
				in.DeployedUSD, order.Notional(), capUSD)
		}
	}

	return admitted
}

// HoldReached reports whether deployed capital has hit the cap that moves
// the engine into HOLD.
func HoldReached(cfg config.TradingConfig, deployedUSD float64) bool {
	return deployedUSD >= cfg.BudgetUSD*cfg.MaxGridCapitalPct
}
