package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

// HandleStreamEvents handles GET /v1/calls/{call_id}/events/stream (SSE).
//
// The stream opens with a status frame carrying the current call summary,
// then relays subscription frames (full history first, live events after)
// until the subscription closes. Unknown calls get a single error frame.
func (h *Handlers) HandleStreamEvents(w http.ResponseWriter, r *http.Request) {
	callID, ok := callIDFromPath(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	call, err := h.store.GetCall(r.Context(), callID)
	notFound := errors.Is(err, storage.ErrNotFound)
	if err != nil && !notFound {
		h.writeInternalError(w, r, "failed to get call", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if notFound {
		writeFrame(w, flusher, model.StreamMessage{
			Type: model.StreamFrameError,
			Data: model.StreamError{
				ErrorType:    "not_found",
				ErrorMessage: "call not found",
				CallID:       &callID,
			},
		})
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	writeFrame(w, flusher, model.StreamMessage{
		Type: model.StreamFrameStatus,
		Data: call,
	})

	stream, err := h.store.Subscribe(r.Context(), callID)
	if err != nil {
		writeFrame(w, flusher, model.StreamMessage{
			Type: model.StreamFrameError,
			Data: model.StreamError{
				ErrorType:    "subscribe_failed",
				ErrorMessage: "failed to subscribe to call events",
				CallID:       &callID,
			},
		})
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			if !writeFrame(w, flusher, model.StreamMessage{
				Type: model.StreamFrameEvent,
				Data: event,
			}) {
				return
			}
		}
	}
}

// writeFrame serializes one SSE data frame. Reports whether the write
// succeeded; a false return means the client is gone.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, msg model.StreamMessage) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
