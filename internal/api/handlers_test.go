package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/engine"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/store"
	"coinbase-gridbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testFixture(t *testing.T) (*Server, *store.Store, *exchange.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		Env:          "test",
		ExchangeType: "mock",
		PaperMode:    true,
		TickInterval: time.Second,
		Trading:      config.Defaults(),
		Server:       config.ServerConfig{Port: 0, ShutdownTimeout: time.Second},
	}

	mock := exchange.NewMock()
	mock.SetPrice("BTC-USD", 100.00)
	mock.SetPrice("ETH-USD", 3000.00)

	bus := events.NewBus(0)
	eng := engine.New(cfg, st, mock, bus, testLogger())
	t.Cleanup(eng.Stop)
	if err := eng.RefreshUniverse(context.Background()); err != nil {
		t.Fatal(err)
	}

	return NewServer(cfg, eng, st, mock, bus, testLogger()), st, mock
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestBotStatusEndpoint(t *testing.T) {
	t.Parallel()
	s, _, _ := testFixture(t)

	rec := doRequest(t, s, http.MethodGet, "/api/bot/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["env"] != "test" {
		t.Errorf("env = %v, want test", body["env"])
	}
	if body["paper_mode"] != true {
		t.Errorf("paper_mode = %v, want true", body["paper_mode"])
	}
	if body["running"] != false {
		t.Errorf("running = %v, want false before start", body["running"])
	}
}

func TestStartAndStopMarketEndpoints(t *testing.T) {
	t.Parallel()
	s, st, _ := testFixture(t)
	ctx := context.Background()

	rec := doRequest(t, s, http.MethodPost, "/api/markets/BTC-USD/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	m, err := st.ActiveMarket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "BTC-USD" {
		t.Fatalf("active market = %s, want BTC-USD", m.ID)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/bot/status", nil)
	body := decode[map[string]any](t, rec)
	if body["running"] != true {
		t.Errorf("running = %v after start", body["running"])
	}

	rec = doRequest(t, s, http.MethodPost, "/api/markets/BTC-USD/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := st.ActiveMarket(ctx); err == nil {
		t.Error("active market still set after stop")
	}
}

func TestStartUnknownMarketReturnsDetail(t *testing.T) {
	t.Parallel()
	s, _, _ := testFixture(t)

	rec := doRequest(t, s, http.MethodPost, "/api/markets/DOGE-PERP/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["detail"] == "" {
		t.Error("error body missing detail field")
	}
}

func TestListMarketsFavoritesFilter(t *testing.T) {
	t.Parallel()
	s, _, _ := testFixture(t)

	rec := doRequest(t, s, http.MethodPost, "/api/markets/ETH-USD/favorite", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("favorite status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/markets/?favorites_only=true", nil)
	markets := decode[[]types.Market](t, rec)
	if len(markets) != 1 || markets[0].ID != "ETH-USD" {
		t.Fatalf("favorites = %+v, want just ETH-USD", markets)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/markets/", nil)
	if all := decode[[]types.Market](t, rec); len(all) < 2 {
		t.Fatalf("unfiltered markets = %d, want >= 2", len(all))
	}
}

func TestListOrdersFilterAndPaging(t *testing.T) {
	t.Parallel()
	s, st, _ := testFixture(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []types.OrderStatus{types.OrderOpen, types.OrderOpen, types.OrderFilled} {
		err := st.SaveOrder(ctx, types.Order{
			ID:        "ord-" + string(rune('a'+i)),
			ClientTag: "grid-test-" + string(rune('a'+i)),
			MarketID:  "BTC-USD",
			Side:      types.BUY,
			Price:     99,
			Size:      1,
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/api/orders/?status=OPEN", nil)
	if got := decode[[]types.Order](t, rec); len(got) != 2 {
		t.Fatalf("open orders = %d, want 2", len(got))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/orders/?limit=1&skip=1", nil)
	got := decode[[]types.Order](t, rec)
	if len(got) != 1 {
		t.Fatalf("paged orders = %d, want 1", len(got))
	}
	if got[0].ID != "ord-b" {
		t.Errorf("second-newest order = %s, want ord-b", got[0].ID)
	}
}

func TestListFillsSinceFilter(t *testing.T) {
	t.Parallel()
	s, st, _ := testFixture(t)
	ctx := context.Background()

	base := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	for i, mkt := range []string{"BTC-USD", "BTC-USD", "ETH-USD"} {
		_, err := st.SaveFill(ctx, types.Fill{
			ID:        "fill-" + string(rune('a'+i)),
			OrderID:   "ord-" + string(rune('a'+i)),
			MarketID:  mkt,
			Side:      types.BUY,
			Price:     99,
			Size:      1,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	cutoff := base.Add(30 * time.Minute).Format(time.RFC3339)
	rec := doRequest(t, s, http.MethodGet, "/api/history/fills?since="+cutoff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decode[[]types.Fill](t, rec)
	if len(got) != 2 {
		t.Fatalf("fills since cutoff = %d, want 2", len(got))
	}
	if got[0].ID != "fill-b" {
		t.Errorf("oldest-first order broken: first = %s, want fill-b", got[0].ID)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/history/fills?since="+cutoff+"&market=ETH-USD", nil)
	if got := decode[[]types.Fill](t, rec); len(got) != 1 || got[0].MarketID != "ETH-USD" {
		t.Fatalf("market-narrowed fills = %+v", got)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/history/fills?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: status = %d, want 400", rec.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s, _, _ := testFixture(t)

	rec := doRequest(t, s, http.MethodGet, "/api/config/", nil)
	cfg := decode[config.TradingConfig](t, rec)

	cfg.GridStepPct = 0.02
	cfg.BudgetUSD = 5000
	rec = doRequest(t, s, http.MethodPost, "/api/config/", cfg)
	if rec.Code != http.StatusOK {
		t.Fatalf("post status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/config/", nil)
	got := decode[config.TradingConfig](t, rec)
	if got.GridStepPct != 0.02 || got.BudgetUSD != 5000 {
		t.Fatalf("config not applied: %+v", got)
	}
}

func TestConfigInvalidRejectedAtomically(t *testing.T) {
	t.Parallel()
	s, _, _ := testFixture(t)

	before := decode[config.TradingConfig](t, doRequest(t, s, http.MethodGet, "/api/config/", nil))

	bad := before
	bad.GridStepPct = -1
	rec := doRequest(t, s, http.MethodPost, "/api/config/", bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["detail"] == "" {
		t.Error("422 body missing detail")
	}

	after := decode[config.TradingConfig](t, doRequest(t, s, http.MethodGet, "/api/config/", nil))
	if after.GridStepPct != before.GridStepPct {
		t.Error("invalid config partially applied")
	}
}

func TestCancelAllAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	s, st, _ := testFixture(t)
	ctx := context.Background()

	doRequest(t, s, http.MethodPost, "/api/markets/BTC-USD/start", nil)

	rec := doRequest(t, s, http.MethodPost, "/api/control/cancel_all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel_all status = %d", rec.Code)
	}
	state, err := st.GetBotState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Mode != types.ModeStopped {
		t.Fatalf("mode = %s after kill switch, want STOPPED", state.Mode)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	t.Parallel()
	s, st, _ := testFixture(t)
	ctx := context.Background()

	doRequest(t, s, http.MethodPost, "/api/markets/BTC-USD/start", nil)

	if rec := doRequest(t, s, http.MethodPost, "/api/control/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	state, _ := st.GetBotState(ctx)
	if state.Mode != types.ModePaused {
		t.Fatalf("mode = %s, want PAUSED", state.Mode)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/control/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	state, _ = st.GetBotState(ctx)
	if state.Mode != types.ModeRunning {
		t.Fatalf("mode = %s, want RUNNING", state.Mode)
	}
}

func TestCapitalSummaryEndpoint(t *testing.T) {
	t.Parallel()
	s, _, _ := testFixture(t)

	rec := doRequest(t, s, http.MethodGet, "/api/stats/capital-summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	for _, key := range []string{"budget_usd", "deployed_usd", "capital_cap_usd", "open_orders"} {
		if _, ok := body[key]; !ok {
			t.Errorf("capital summary missing %q", key)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()
	allow := config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}}
	open := config.ServerConfig{}

	tests := []struct {
		name    string
		origin  string
		cfg     config.ServerConfig
		reqHost string
		want    bool
	}{
		{"empty origin allowed", "", open, "api.local:8080", true},
		{"localhost allowed", "http://localhost:3000", open, "api.local:8080", true},
		{"loopback allowed", "http://127.0.0.1:5173", open, "api.local:8080", true},
		{"same host allowed", "https://api.local:8080", open, "api.local:8080", true},
		{"cross origin denied", "https://evil.example.com", open, "api.local:8080", false},
		{"allowlisted origin", "https://dash.example.com", allow, "api.local:8080", true},
		{"allowlist excludes others", "https://other.example.com", allow, "api.local:8080", false},
		{"garbage origin denied", "::not-a-url::", open, "api.local:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
