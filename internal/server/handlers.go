package server

import (
	"log/slog"
	"net/http"

	"github.com/mitoru-ai/mitoru/internal/coordinator"
	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store   storage.Store
	coord   *coordinator.Coordinator
	logger  *slog.Logger
	version string
}

// writeInternalError logs the error and writes a generic 500 response.
// The raw error never reaches the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents": h.coord.Descriptors(),
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":  status,
		"store":   storeStatus,
		"version": h.version,
	}
	if h.coord != nil {
		body["ingest_queue_depth"] = h.coord.QueueDepth()
	}
	writeJSON(w, r, httpStatus, body)
}
