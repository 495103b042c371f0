package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// cancelAllTimeout bounds the operator cancel-all call.
const cancelAllTimeout = 15 * time.Second

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns 200 once a session is installed and 503 before.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.provider.Health()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.provider.Status())
}

func (h *Handlers) HandleWagers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"wagers": h.provider.Wagers()})
}

// HandleCancelAll is the operator escape hatch: it cancels every open wager
// on the account and clears the ledger.
func (h *Handlers) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cancelAllTimeout)
	defer cancel()

	h.logger.Warn("cancel-all requested", "remote", r.RemoteAddr)
	if err := h.provider.CancelAll(ctx); err != nil {
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "ledger": len(h.provider.Wagers())})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
