package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"coinbase-gridbot/internal/config"
	"coinbase-gridbot/internal/events"
	"coinbase-gridbot/internal/exchange"
	"coinbase-gridbot/internal/store"
)

// Server owns the HTTP listener, the websocket hub, and the bridge
// goroutine that forwards bus events to connected clients.
type Server struct {
	cfg      config.Config
	hub      *Hub
	handlers *Handlers
	bus      *events.Bus
	srv      *http.Server
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the routes and returns a server ready to Start.
func NewServer(cfg config.Config, ctrl Controller, st *store.Store, adapter exchange.Adapter, bus *events.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	h := NewHandlers(ctrl, st, adapter, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	mux.HandleFunc("GET /api/bot/status", h.HandleBotStatus)

	mux.HandleFunc("GET /api/markets/", h.HandleListMarkets)
	mux.HandleFunc("GET /api/markets/all-pairs", h.HandleAllPairs)
	mux.HandleFunc("POST /api/markets/{id}/favorite", h.HandleToggleFavorite)
	mux.HandleFunc("POST /api/markets/{id}/start", h.HandleStartMarket)
	mux.HandleFunc("POST /api/markets/{id}/stop", h.HandleStopMarket)
	mux.HandleFunc("PATCH /api/markets/{id}", h.HandlePatchMarket)

	mux.HandleFunc("GET /api/orders/", h.HandleListOrders)
	mux.HandleFunc("DELETE /api/orders/{id}", h.HandleCancelOrder)

	mux.HandleFunc("GET /api/lots/", h.HandleListLots)
	mux.HandleFunc("GET /api/history/fills", h.HandleListFills)
	mux.HandleFunc("GET /api/history/audit", h.HandleAudit)

	mux.HandleFunc("GET /api/config/", h.HandleGetConfig)
	mux.HandleFunc("POST /api/config/", h.HandlePostConfig)

	mux.HandleFunc("POST /api/control/cancel_all", h.HandleCancelAll)
	mux.HandleFunc("POST /api/control/pause", h.HandlePause)
	mux.HandleFunc("POST /api/control/resume", h.HandleResume)
	mux.HandleFunc("POST /api/control/reset_anchor", h.HandleResetAnchor)

	mux.HandleFunc("GET /api/stats/capital-summary", h.HandleCapitalSummary)
	mux.HandleFunc("GET /api/stats/pnl-breakdown", h.HandlePnLBreakdown)
	mux.HandleFunc("GET /api/stats/pnl-history", h.HandlePnLHistory)

	mux.HandleFunc("GET /api/ws", h.HandleWebSocket)

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: h,
		bus:      bus,
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: mux,
		},
		logger: logger.With("component", "api"),
	}
}

// Start launches the hub, the bus bridge, and the listener. It returns
// once the listener is running; ListenAndServe errors other than
// graceful shutdown are reported on errCh.
func (s *Server) Start() <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()

	sub := s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.bus.Unsubscribe(sub)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			ev, err := sub.Next()
			if err != nil {
				return
			}
			s.hub.Broadcast(ev)
		}
	}()

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Stop shuts the listener down gracefully and stops the hub.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return err
}
