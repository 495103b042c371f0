// Package api serves the operator status endpoints: health, the snapshot
// summary, the wager ledger, Prometheus metrics and a cancel-all trigger.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"prophetx-mm/internal/config"
)

// Server runs the status HTTP API.
type Server struct {
	cfg    config.StatusConfig
	server *http.Server
	logger *slog.Logger
}

// NewRouter wires the routes. metrics may be nil.
func NewRouter(provider Provider, metrics http.Handler, logger *slog.Logger) http.Handler {
	h := NewHandlers(provider, logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.HandleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", h.HandleSnapshot)
		r.Get("/wagers", h.HandleWagers)
		r.Post("/wagers/cancel-all", h.HandleCancelAll)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func NewServer(cfg config.StatusConfig, provider Provider, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(provider, metrics, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 45 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
