package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitoru-ai/mitoru/internal/agent"
	"github.com/mitoru-ai/mitoru/internal/bus"
	"github.com/mitoru-ai/mitoru/internal/coordinator"
	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

type testEnv struct {
	handler http.Handler
	store   *storage.MemoryStore
	coord   *coordinator.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore(bus.New(logger, 64), logger)
	coord := coordinator.New(store, logger, 16)
	require.NoError(t, coord.Register(agent.NewScripted("demo", 2, 0)))

	srv := New(Config{
		Store:       store,
		Coordinator: coord,
		Logger:      logger,
		Version:     "test",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &testEnv{handler: srv.Handler(), store: store, coord: coord}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func (e *testEnv) waitForStatus(t *testing.T, callID uuid.UUID, want model.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		call, err := e.store.GetCall(context.Background(), callID)
		return err == nil && call.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData[map[string]any](t, rec)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "connected", data["store"])
}

func TestListAgents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData[struct {
		Agents []agent.Descriptor `json:"agents"`
	}](t, rec)
	require.Len(t, data.Agents, 1)
	assert.Equal(t, "demo", data.Agents[0].Name)
}

func TestCreateCall(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents/demo/calls",
		`{"input_data": {"query": "ping"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	call := decodeData[model.Call](t, rec)
	assert.Equal(t, "demo", call.AgentName)
	assert.Equal(t, model.CallStatusPending, call.Status)

	env.waitForStatus(t, call.ID, model.CallStatusCompleted)
}

func TestCreateCallUnknownAgent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents/nope/calls",
		`{"input_data": {}}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Code)
}

func TestCreateCallValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents/demo/calls", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/agents/demo/calls",
		`{"input_data": {}, "max_iterations": 500}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
}

func TestGetCall(t *testing.T) {
	env := newTestEnv(t)
	call, err := env.store.CreateCall(context.Background(), model.CallSpec{
		AgentName: "demo",
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/calls/"+call.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[model.Call](t, rec)
	assert.Equal(t, call.ID, got.ID)

	rec = env.do(t, http.MethodGet, "/v1/calls/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/calls/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.store.CreateCall(ctx, model.CallSpec{
			AgentName: "demo",
			InputData: map[string]any{},
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/v1/agents/demo/calls?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData[model.CallListResponse](t, rec)
	assert.Equal(t, 3, data.Total)
	assert.Len(t, data.Calls, 2)

	rec = env.do(t, http.MethodGet, "/v1/agents/demo/calls?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/agents/nope/calls", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	call, err := env.store.CreateCall(ctx, model.CallSpec{
		AgentName: "demo",
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/calls/"+call.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[model.Call](t, rec)
	assert.Equal(t, model.CallStatusCancelled, got.Status)

	// A second cancel hits the terminal guard.
	rec = env.do(t, http.MethodPost, "/v1/calls/"+call.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeAlreadyDone, decodeError(t, rec).Code)
}

func TestGetEvents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents/demo/calls",
		`{"input_data": {"query": "ping"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	call := decodeData[model.Call](t, rec)

	env.waitForStatus(t, call.ID, model.CallStatusCompleted)

	rec = env.do(t, http.MethodGet, "/v1/calls/"+call.ID.String()+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data struct {
			Events []map[string]any `json:"events"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	events := envelope.Data.Events
	require.NotEmpty(t, events)
	assert.Equal(t, "status_change", events[0]["event_type"])
	assert.Equal(t, "status_change", events[len(events)-1]["event_type"])

	rec = env.do(t, http.MethodGet, "/v1/calls/"+uuid.NewString()+"/events", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// readFrames parses SSE data frames from a response body.
func readFrames(t *testing.T, body *httptest.ResponseRecorder) []model.StreamMessage {
	t.Helper()
	var frames []model.StreamMessage
	scanner := bufio.NewScanner(body.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg model.StreamMessage
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		frames = append(frames, msg)
	}
	return frames
}

func TestStreamEventsTerminalCall(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/agents/demo/calls",
		`{"input_data": {"query": "ping"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	call := decodeData[model.Call](t, rec)
	env.waitForStatus(t, call.ID, model.CallStatusCompleted)

	// Terminal call: the stream replays history and closes on its own.
	rec = env.do(t, http.MethodGet, "/v1/calls/"+call.ID.String()+"/events/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := readFrames(t, rec)
	require.NotEmpty(t, frames)
	assert.Equal(t, model.StreamFrameStatus, frames[0].Type)
	for _, f := range frames[1:] {
		assert.Equal(t, model.StreamFrameEvent, f.Type)
	}
	// The last event frame is the terminal status change.
	last, ok := frames[len(frames)-1].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "status_change", last["event_type"])
	assert.Equal(t, "completed", last["new_status"])
}

func TestStreamEventsUnknownCall(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/calls/"+uuid.NewString()+"/events/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)

	frames := readFrames(t, rec)
	require.Len(t, frames, 1)
	assert.Equal(t, model.StreamFrameError, frames[0].Type)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))

	var envelope model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "fixed-id", envelope.Meta.RequestID)
}
