package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/engine"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/market"
	"coinbase-gridbot/internal/risk"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/pkg/types"
)

// Controller is the engine surface the API drives. *engine.Engine
// satisfies it; tests may substitute a lighter implementation.
type Controller interface {
	Status(ctx context.Context) (engine.Status, error)
	StartMarket(ctx context.Context, id, actor string) error
	StopMarket(ctx context.Context, id, actor string) error
	CancelAll(ctx context.Context, actor string) error
	Pause(ctx context.Context, actor string) error
	Resume(ctx context.Context, actor string) error
	ResetAnchor(ctx context.Context, actor string) error
	RefreshUniverse(ctx context.Context) error
	TradingConfig() config.TradingConfig
	UpdateTradingConfig(ctx context.Context, cfg config.TradingConfig) error
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ctrl    Controller
	store   *store.Store
	adapter exchange.Adapter
	cfg     config.Config
	hub     *Hub
	logger  *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(ctrl Controller, st *store.Store, adapter exchange.Adapter, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		ctrl:    ctrl,
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		hub:     hub,
		logger:  logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Non-2xx responses carry {detail}.
func writeErr(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleBotStatus reports the overall process state.
func (h *Handlers) HandleBotStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	active := []string{}
	if m, err := h.store.ActiveMarket(r.Context()); err == nil {
		active = append(active, m.ID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"env":            h.cfg.Env,
		"live_trading":   h.cfg.LiveTrading,
		"exchange_type":  h.cfg.ExchangeType,
		"paper_mode":     h.cfg.PaperMode,
		"running":        st.Mode == types.ModeRunning || st.Mode == types.ModeHold,
		"mode":           st.Mode,
		"active_markets": active,
		"last_tick_at":   st.LastTickAt,
		"anchor_high":    st.AnchorHigh,
		"last_price":     st.LastPrice,
	})
}

// HandleListMarkets returns the market universe, optionally favorites only.
func (h *Handlers) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.store.ListMarkets(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("favorites_only") == "true" {
		favs := markets[:0]
		for _, m := range markets {
			if m.IsFavorite {
				favs = append(favs, m)
			}
		}
		markets = favs
	}
	if markets == nil {
		markets = []types.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// HandleAllPairs lists every tradable pair with its current price.
func (h *Handlers) HandleAllPairs(w http.ResponseWriter, r *http.Request) {
	products, err := h.adapter.GetProducts(r.Context())
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	ranked := market.Rank(products)
	out := make([]map[string]any, 0, len(ranked))
	for _, rk := range ranked {
		out = append(out, map[string]any{
			"product_id": rk.Product.ID,
			"price":      rk.Product.Price,
			"volume_24h": rk.Product.Volume24h,
			"rank":       rk.Rank,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleToggleFavorite flips a market's favorite flag.
func (h *Handlers) HandleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.store.GetMarket(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "market not found")
		return
	}
	if err := h.store.SetFavorite(r.Context(), id, !m.IsFavorite); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_favorite": !m.IsFavorite})
}

// HandleStartMarket switches trading to the given market.
func (h *Handlers) HandleStartMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ctrl.StartMarket(r.Context(), id, "user"); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "market_id": id})
}

// HandleStopMarket disables a market.
func (h *Handlers) HandleStopMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ctrl.StopMarket(r.Context(), id, "user"); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "market_id": id})
}

// HandlePatchMarket partially updates mutable market fields.
func (h *Handlers) HandlePatchMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetMarket(r.Context(), id); err != nil {
		writeErr(w, http.StatusNotFound, "market not found")
		return
	}

	var patch struct {
		IsFavorite *bool   `json:"is_favorite"`
		Settings   *string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if patch.IsFavorite != nil {
		if err := h.store.SetFavorite(r.Context(), id, *patch.IsFavorite); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if patch.Settings != nil {
		if err := h.store.UpdateMarketSettings(r.Context(), id, *patch.Settings); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	m, err := h.store.GetMarket(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleListOrders pages through order history.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	status := types.OrderStatus(r.URL.Query().Get("status"))
	orders, err := h.store.Orders(r.Context(), status, queryInt(r, "limit", 100), queryInt(r, "skip", 0))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleCancelOrder cancels one order at the exchange.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.adapter.CancelOrder(r.Context(), id); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			writeErr(w, http.StatusNotFound, "order not found or already terminal")
			return
		}
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := h.store.UpdateOrderStatus(r.Context(), id, types.OrderCanceled); err != nil && !errors.Is(err, store.ErrOrderNotFound) {
		h.logger.Error("mark canceled", "order_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "order_id": id})
}

// HandleListLots pages through lots, newest first.
func (h *Handlers) HandleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.store.Lots(r.Context(), queryInt(r, "limit", 100), queryInt(r, "skip", 0))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lots == nil {
		lots = []types.Lot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// HandleListFills pages through fill history. With ?since=<RFC3339> it
// returns everything from that time instead, optionally narrowed by
// ?market=<id>.
func (h *Handlers) HandleListFills(w http.ResponseWriter, r *http.Request) {
	var (
		fills []types.Fill
		err   error
	)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			writeErr(w, http.StatusBadRequest, "invalid since: "+perr.Error())
			return
		}
		fills, err = h.store.FillsSince(r.Context(), r.URL.Query().Get("market"), since)
	} else {
		fills, err = h.store.Fills(r.Context(), queryInt(r, "limit", 100), queryInt(r, "skip", 0))
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if fills == nil {
		fills = []types.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// HandleGetConfig returns the runtime trading config.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.TradingConfig())
}

// HandlePostConfig replaces the runtime trading config. All-or-nothing:
// an invalid config is rejected with 422 and nothing changes.
func (h *Handlers) HandlePostConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.ctrl.TradingConfig()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.ctrl.UpdateTradingConfig(r.Context(), cfg); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleCancelAll is the kill switch. Always 2xx, even if individual
// cancels failed; residual orders drain over the next ticks.
func (h *Handlers) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.CancelAll(r.Context(), "user"); err != nil {
		h.logger.Error("cancel_all", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandlePause suspends the tick loop.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Pause(r.Context(), "user"); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// HandleResume returns a paused engine to RUNNING.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Resume(r.Context(), "user"); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// HandleResetAnchor zeroes the anchor high.
func (h *Handlers) HandleResetAnchor(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ResetAnchor(r.Context(), "user"); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleCapitalSummary reports capital deployment against the caps.
func (h *Handlers) HandleCapitalSummary(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	trading := h.ctrl.TradingConfig()
	writeJSON(w, http.StatusOK, map[string]any{
		"budget_usd":           trading.BudgetUSD,
		"deployed_usd":         st.DeployedUSD,
		"capital_cap_usd":      trading.BudgetUSD * trading.MaxGridCapitalPct,
		"max_grid_capital_pct": trading.MaxGridCapitalPct,
		"open_orders":          st.OpenOrders,
		"max_open_orders":      trading.MaxOpenOrders,
		"hold":                 risk.HoldReached(trading, st.DeployedUSD),
	})
}

// HandlePnLBreakdown reports realized PnL over standard windows.
func (h *Handlers) HandlePnLBreakdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	total, err := h.store.RealizedPnLSince(ctx, time.Time{})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	month, err := h.store.RealizedPnLSince(ctx, monthStart)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	today, err := h.store.RealizedPnLSince(ctx, dayStart)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	trading := h.ctrl.TradingConfig()
	writeJSON(w, http.StatusOK, map[string]any{
		"realized_total_usd": total,
		"realized_month_usd": month,
		"realized_today_usd": today,
		"monthly_target_usd": trading.MonthlyProfitTargetUSD,
	})
}

// HandlePnLHistory returns daily PnL snapshots for the last N days.
func (h *Handlers) HandlePnLHistory(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	to := now.Format("2006-01-02")

	snaps, err := h.store.Snapshots(r.Context(), from, to)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snaps == nil {
		snaps = []types.DailySnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// HandleAudit returns the most recent audit entries.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.AuditEntries(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg.Server, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	// Seed the session with the current engine state.
	if st, err := h.ctrl.Status(r.Context()); err == nil {
		if data, err := json.Marshal(Frame{Type: events.TypeStateChange, Data: st}); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}
