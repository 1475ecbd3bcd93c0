// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — markets, orders,
// fills, lots, engine state, and the enums that describe them. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus tracks an order through its lifecycle. Orders are created
// PENDING_PLACE, advance to OPEN after the exchange ACK, and end in one of
// the terminal states FILLED / CANCELED / REJECTED. UNKNOWN is reserved for
// orders the reconciler cannot classify yet.
type OrderStatus string

const (
	OrderPendingPlace OrderStatus = "PENDING_PLACE"
	OrderOpen         OrderStatus = "OPEN"
	OrderFilled       OrderStatus = "FILLED"
	OrderCanceled     OrderStatus = "CANCELED"
	OrderRejected     OrderStatus = "REJECTED"
	OrderUnknown      OrderStatus = "UNKNOWN"
)

// Terminal reports whether the status is final — no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// LotStatus tracks a lot from its buy fill to its closing sell fill.
type LotStatus string

const (
	LotOpen       LotStatus = "OPEN"        // buy filled, sell not yet on the book
	LotSellPlaced LotStatus = "SELL_PLACED" // paired sell resting on the exchange
	LotClosed     LotStatus = "CLOSED"      // sell filled, PnL realized
)

// EngineMode is the bot-process state machine.
type EngineMode string

const (
	ModeStopped EngineMode = "STOPPED"
	ModeRunning EngineMode = "RUNNING"
	ModeHold    EngineMode = "HOLD"   // capital cap reached: sells only
	ModePaused  EngineMode = "PAUSED" // operator pause: ticks are no-ops
)

// ProfitMode selects the sell-price / re-buy sizing policy.
type ProfitMode string

const (
	ProfitStep          ProfitMode = "STEP"
	ProfitStepReinvest  ProfitMode = "STEP_REINVEST"
	ProfitCustom        ProfitMode = "CUSTOM"
	ProfitSmartReinvest ProfitMode = "SMART_REINVEST"
)

// SizingMode selects how the USD size of each grid level is derived.
type SizingMode string

const (
	SizingBudgetSplit SizingMode = "BUDGET_SPLIT"
	SizingFixedUSD    SizingMode = "FIXED_USD"
	SizingCapitalPct  SizingMode = "CAPITAL_PCT"
)

// ————————————————————————————————————————————————————————————————————————
// Domain entities (mirror the Store schema)
// ————————————————————————————————————————————————————————————————————————

// Market is a tradable product on the exchange, e.g. "BTC-USD".
// At most one market has Enabled=true at any instant.
type Market struct {
	ID         string    `json:"id"`
	Enabled    bool      `json:"enabled"`
	IsFavorite bool      `json:"is_favorite"`
	Ranking    int       `json:"ranking"`
	Volume24h  float64   `json:"volume_24h"`
	Settings   string    `json:"settings,omitempty"` // opaque per-market overrides (JSON)
	UpdatedAt  time.Time `json:"updated_at"`
}

// Order mirrors one exchange order. ClientTag is our idempotency token:
// repeat placements with the same tag must not create duplicates.
type Order struct {
	ID        string      `json:"id"`
	ClientTag string      `json:"client_tag"`
	MarketID  string      `json:"market_id"`
	Side      Side        `json:"side"`
	Price     float64     `json:"price"`
	Size      float64     `json:"size"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	LotID     int64       `json:"lot_id,omitempty"` // set for paired SELLs, 0 otherwise
}

// Notional returns the USD value of the order at its limit price.
func (o Order) Notional() float64 { return o.Price * o.Size }

// Fill records a single execution reported by the exchange.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	MarketID  string    `json:"market_id"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Lot is one unit of inventory: a buy fill plus its paired sell,
// carried from OPEN to CLOSED. Lots are never deleted.
type Lot struct {
	ID          int64      `json:"id"`
	MarketID    string     `json:"market_id"`
	BuyOrderID  string     `json:"buy_order_id"`
	BuyPrice    float64    `json:"buy_price"`
	BuySize     float64    `json:"buy_size"`
	BuyCost     float64    `json:"buy_cost"` // BuyPrice × BuySize
	BuyFee      float64    `json:"buy_fee"`
	BuyTime     time.Time  `json:"buy_time"`
	SellOrderID string     `json:"sell_order_id,omitempty"`
	SellPrice   float64    `json:"sell_price,omitempty"`
	SellTime    *time.Time `json:"sell_time,omitempty"`
	RealizedPnL float64    `json:"realized_pnl"`
	Status      LotStatus  `json:"status"`

	// Sell placement retry bookkeeping. A lot's sell is never abandoned:
	// failed placements retry each tick once the backoff window passes.
	SellAttempts    int        `json:"sell_attempts,omitempty"`
	LastSellAttempt *time.Time `json:"last_sell_attempt,omitempty"`

	// SellFilledSize accumulates partial sell fills; the lot closes only
	// when it covers BuySize.
	SellFilledSize float64 `json:"sell_filled_size,omitempty"`
}

// BotState is the per-market engine state persisted across restarts.
// AnchorHigh never decreases except on an explicit operator reset.
type BotState struct {
	MarketID   string     `json:"market_id"`
	AnchorHigh float64    `json:"anchor_high"`
	Mode       EngineMode `json:"mode"`
	LastTickAt time.Time  `json:"last_tick_at"`
}

// GridTop is the upper bound for buy placements: AnchorHigh pulled down by
// the buffer when the buffer is enabled.
func (s BotState) GridTop(bufferEnabled bool, bufferPct float64) float64 {
	if bufferEnabled && bufferPct > 0 {
		return s.AnchorHigh * (1 - bufferPct)
	}
	return s.AnchorHigh
}

// AuditEntry is one append-only audit-log record.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"` // "system" or "user"
	Action    string    `json:"action"`
	Before    string    `json:"before,omitempty"` // JSON
	After     string    `json:"after,omitempty"`  // JSON
}

// DailySnapshot is an end-of-day PnL rollup, one row per UTC day.
type DailySnapshot struct {
	Date          string  `json:"date"` // YYYY-MM-DD
	RealizedPnL   float64 `json:"realized_pnl"`
	TradeCount    int     `json:"trade_count"`
	CumulativePnL float64 `json:"cumulative_pnl"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange-facing value types
// ————————————————————————————————————————————————————————————————————————

// Product is the exchange's description of a tradable pair.
type Product struct {
	ID             string  `json:"id"`
	BaseIncrement  float64 `json:"base_increment"`  // minimum base-size step
	QuoteIncrement float64 `json:"quote_increment"` // minimum price step
	MinSize        float64 `json:"min_size"`        // minimum base order size
	Price          float64 `json:"price"`
	Volume24h      float64 `json:"volume_24h"`
}

// Ticker is one price observation from the ticker stream.
type Ticker struct {
	ProductID string    `json:"product_id"`
	Price     float64   `json:"price"`
	Time      time.Time `json:"time"`
}

// OrderRequest is what the engine hands to an exchange adapter.
type OrderRequest struct {
	MarketID  string  `json:"market_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	ClientTag string  `json:"client_tag"`
	PostOnly  bool    `json:"post_only"`
}

// Notional returns the USD value of the request at its limit price.
func (r OrderRequest) Notional() float64 { return r.Price * r.Size }
