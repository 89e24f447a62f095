package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mitoru-ai/mitoru/internal/coordinator"
	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

// callIDFromPath parses the {call_id} path value. Writes the error response
// itself and returns false on failure.
func callIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	callID, err := uuid.Parse(r.PathValue("call_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call_id")
		return uuid.Nil, false
	}
	return callID, true
}

// HandleCreateCall handles POST /v1/agents/{agent_name}/calls.
func (h *Handlers) HandleCreateCall(w http.ResponseWriter, r *http.Request) {
	agentName := r.PathValue("agent_name")

	var spec model.CallSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("mitoru.agent_name", agentName))

	call, err := h.coord.StartCall(r.Context(), agentName, spec)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrUnknownAgent):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown agent: "+agentName)
		case errors.Is(err, coordinator.ErrShuttingDown):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}

	span.SetAttributes(attribute.String("mitoru.call_id", call.ID.String()))
	writeJSON(w, r, http.StatusCreated, call)
}

// HandleListCalls handles GET /v1/agents/{agent_name}/calls.
func (h *Handlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	agentName := r.PathValue("agent_name")
	if _, ok := h.coord.Agent(agentName); !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown agent: "+agentName)
		return
	}

	req := model.CallListRequest{AgentName: agentName}

	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		req.Status = model.CallStatus(status)
		if !req.Status.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
			return
		}
	}
	var err error
	if req.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid limit")
		return
	}
	if req.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid offset")
		return
	}

	resp, err := h.store.ListCalls(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "failed to list calls", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// HandleGetCall handles GET /v1/calls/{call_id}.
func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDFromPath(w, r)
	if !ok {
		return
	}

	call, err := h.store.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "call not found")
			return
		}
		h.writeInternalError(w, r, "failed to get call", err)
		return
	}
	writeJSON(w, r, http.StatusOK, call)
}

// HandleCancelCall handles POST /v1/calls/{call_id}/cancel. Terminal calls
// are rejected; otherwise the execution is cancelled cooperatively and the
// updated summary returned.
func (h *Handlers) HandleCancelCall(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDFromPath(w, r)
	if !ok {
		return
	}

	call, err := h.store.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "call not found")
			return
		}
		h.writeInternalError(w, r, "failed to get call", err)
		return
	}
	if call.Status.IsTerminal() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeAlreadyDone,
			"call already finished with status "+string(call.Status))
		return
	}

	if _, err := h.coord.Cancel(r.Context(), callID); err != nil {
		h.writeInternalError(w, r, "failed to cancel call", err)
		return
	}

	call, err = h.store.GetCall(r.Context(), callID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get call after cancel", err)
		return
	}
	writeJSON(w, r, http.StatusOK, call)
}

// HandleGetEvents handles GET /v1/calls/{call_id}/events.
func (h *Handlers) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDFromPath(w, r)
	if !ok {
		return
	}

	exists, err := h.store.Exists(r.Context(), callID)
	if err != nil {
		h.writeInternalError(w, r, "failed to check call", err)
		return
	}
	if !exists {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "call not found")
		return
	}

	events, err := h.store.GetEvents(r.Context(), callID)
	if err != nil {
		h.writeInternalError(w, r, "failed to get events", err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, model.EventsResponse{Events: events})
}
