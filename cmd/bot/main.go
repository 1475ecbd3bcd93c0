// Coinbase grid bot — an autonomous grid-trading engine for Coinbase
// Advanced Trade spot markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires store/exchange/engine/API, waits for SIGINT/SIGTERM
//	engine/              — tick loop: state machine, anchor tracking, fill ingestion, control plane
//	strategy/            — grid math (staging band, level prices, sizing) and lot lifecycle
//	reconcile/           — converges exchange order state to the desired grid under a per-tick budget
//	risk/                — pure admission checks: capital caps, order caps, HOLD behavior
//	exchange/            — Coinbase Advanced Trade REST+WS client, mock, and paper-trading wrapper
//	store/               — SQLite persistence: orders, lots, fills, markets, config, audit log
//	events/              — in-process event bus feeding the WebSocket API
//	api/                 — HTTP/WebSocket control and observation surface
//
// How it makes money:
//
//	The bot lays a ladder of limit buys below the current price. When a
//	buy fills it immediately posts a paired sell one profit step above
//	the entry. Each buy→sell round trip is a lot; realized profit is the
//	sum of closed lots. The anchor only ratchets upward, so the grid
//	never chases a falling market with fresh capital beyond its band.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coinbase-gridbot/internal/api"
	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/engine"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRIDBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(0)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(events.NewLogHandler(handler, bus))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	adapter, err := buildAdapter(*cfg, logger)
	if err != nil {
		logger.Error("failed to build exchange adapter", "error", err)
		os.Exit(1)
	}

	eng := engine.New(*cfg, st, adapter, bus, logger)
	apiServer := api.NewServer(*cfg, eng, st, adapter, bus, logger)

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	errCh := apiServer.Start()
	logger.Info("grid bot started",
		"env", cfg.Env,
		"exchange", cfg.ExchangeType,
		"paper_mode", cfg.PaperMode,
		"live_trading", cfg.LiveTrading,
		"api", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
	)
	if !cfg.LiveTrading || cfg.PaperMode {
		logger.Warn("no real orders will be placed",
			"live_trading", cfg.LiveTrading, "paper_mode", cfg.PaperMode)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("api server failed", "error", err)
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Stop()
}

// buildAdapter selects the exchange backend. Paper mode wraps the live
// data feed in a simulated execution layer so no real orders reach the
// venue.
func buildAdapter(cfg config.Config, logger *slog.Logger) (exchange.Adapter, error) {
	var base exchange.Adapter
	switch cfg.ExchangeType {
	case "coinbase":
		c := exchange.NewClient(cfg.Exchange, logger)
		if !cfg.PaperMode && !c.HasCredentials() {
			return nil, fmt.Errorf("live trading requires COINBASE_API_KEY and COINBASE_API_SECRET")
		}
		base = c
	case "mock":
		base = exchange.NewMock()
	default:
		return nil, fmt.Errorf("unknown exchange_type %q", cfg.ExchangeType)
	}
	if cfg.PaperMode && cfg.ExchangeType == "coinbase" {
		return exchange.NewPaper(base, cfg.Trading.BudgetUSD), nil
	}
	return base, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
