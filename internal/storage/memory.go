package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mitoru-ai/mitoru/internal/bus"
	"github.com/mitoru-ai/mitoru/internal/model"
)

// MemoryStore keeps calls and events in process memory. Intended for
// development and tests; everything is lost on restart.
type MemoryStore struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	calls  map[uuid.UUID]*model.Call
	events map[uuid.UUID][]model.Event
}

// NewMemoryStore creates an empty in-memory store publishing to b.
func NewMemoryStore(b *bus.Bus, logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		bus:    b,
		logger: logger,
		calls:  make(map[uuid.UUID]*model.Call),
		events: make(map[uuid.UUID][]model.Event),
	}
}

// CreateCall persists a new pending call and returns its summary.
func (s *MemoryStore) CreateCall(_ context.Context, spec model.CallSpec) (model.Call, error) {
	call := model.Call{
		ID:        uuid.New(),
		AgentName: spec.AgentName,
		InputData: spec.InputData,
		Status:    model.CallStatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  spec.Metadata,
	}

	s.mu.Lock()
	s.calls[call.ID] = &call
	s.events[call.ID] = nil
	s.mu.Unlock()

	return call, nil
}

// GetCall returns a copy of the call summary, or ErrNotFound.
func (s *MemoryStore) GetCall(_ context.Context, callID uuid.UUID) (model.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[callID]
	if !ok {
		return model.Call{}, ErrNotFound
	}
	return *call, nil
}

// MarkStarted transitions pending to running and records the status change.
func (s *MemoryStore) MarkStarted(_ context.Context, callID uuid.UUID) error {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("storage: mark started on unknown call", "call_id", callID)
		return nil
	}
	if call.Status != model.CallStatusPending {
		s.mu.Unlock()
		s.logger.Warn("storage: mark started on non-pending call",
			"call_id", callID, "status", call.Status)
		return nil
	}

	now := time.Now().UTC()
	call.Status = model.CallStatusRunning
	call.StartedAt = &now

	change := model.NewStatusChange(callID, model.CallStatusPending, model.CallStatusRunning)
	s.events[callID] = append(s.events[callID], change)
	s.mu.Unlock()

	s.bus.Publish(callID, change)
	return nil
}

// AppendThought assigns the next thought sequence number, stores the event
// and publishes it.
func (s *MemoryStore) AppendThought(_ context.Context, callID uuid.UUID, thought model.Thought) error {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("storage: append thought on unknown call", "call_id", callID)
		return nil
	}
	if call.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("storage: append thought on terminal call, dropping",
			"call_id", callID, "status", call.Status)
		return nil
	}

	stampEvent(&thought.ID, &thought.Timestamp)
	thought.EventType = model.EventKindThought
	thought.Sequence = call.TotalThoughts
	call.TotalThoughts++

	s.events[callID] = append(s.events[callID], &thought)
	s.mu.Unlock()

	s.bus.Publish(callID, &thought)
	return nil
}

// AppendAction is the action counterpart of AppendThought.
func (s *MemoryStore) AppendAction(_ context.Context, callID uuid.UUID, action model.Action) error {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("storage: append action on unknown call", "call_id", callID)
		return nil
	}
	if call.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("storage: append action on terminal call, dropping",
			"call_id", callID, "status", call.Status)
		return nil
	}

	stampEvent(&action.ID, &action.Timestamp)
	action.EventType = model.EventKindAction
	action.Sequence = call.TotalActions
	call.TotalActions++

	s.events[callID] = append(s.events[callID], &action)
	s.mu.Unlock()

	s.bus.Publish(callID, &action)
	return nil
}

// MarkDone stores the result, completes the call, publishes the result and
// the terminal status change in that order, then closes subscriptions.
func (s *MemoryStore) MarkDone(_ context.Context, callID uuid.UUID, result model.Result) error {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("storage: mark done on unknown call", "call_id", callID)
		return nil
	}
	if call.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("storage: mark done on terminal call, dropping result",
			"call_id", callID, "status", call.Status)
		return nil
	}

	stampEvent(&result.ID, &result.Timestamp)
	result.EventType = model.EventKindResult
	s.events[callID] = append(s.events[callID], &result)

	oldStatus := call.Status
	now := time.Now().UTC()
	call.Status = model.CallStatusCompleted
	call.CompletedAt = &now
	call.ExecutionTimeMS = executionTimeMS(call.StartedAt, now)

	change := model.NewStatusChange(callID, oldStatus, model.CallStatusCompleted)
	s.events[callID] = append(s.events[callID], change)
	s.mu.Unlock()

	// Subscribers must see the terminal payload before the stream closes.
	s.bus.Publish(callID, &result)
	s.bus.Publish(callID, change)
	s.bus.CloseCall(callID)
	return nil
}

// MarkFailed stores the error event and fails the call, mirroring MarkDone.
func (s *MemoryStore) MarkFailed(_ context.Context, callID uuid.UUID, errEvent model.ErrorEvent) error {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("storage: mark failed on unknown call", "call_id", callID)
		return nil
	}
	if call.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("storage: mark failed on terminal call, dropping error",
			"call_id", callID, "status", call.Status)
		return nil
	}

	stampEvent(&errEvent.ID, &errEvent.Timestamp)
	errEvent.EventType = model.EventKindError
	s.events[callID] = append(s.events[callID], &errEvent)

	oldStatus := call.Status
	now := time.Now().UTC()
	call.Status = model.CallStatusFailed
	call.CompletedAt = &now
	call.ExecutionTimeMS = executionTimeMS(call.StartedAt, now)

	change := model.NewStatusChange(callID, oldStatus, model.CallStatusFailed)
	s.events[callID] = append(s.events[callID], change)
	s.mu.Unlock()

	s.bus.Publish(callID, &errEvent)
	s.bus.Publish(callID, change)
	s.bus.CloseCall(callID)
	return nil
}

// MarkCancelled transitions the call to cancelled. Only the status change
// is recorded; cancellation has no terminating payload.
func (s *MemoryStore) MarkCancelled(_ context.Context, callID uuid.UUID) error {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("storage: mark cancelled on unknown call", "call_id", callID)
		return nil
	}
	if call.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("storage: mark cancelled on terminal call",
			"call_id", callID, "status", call.Status)
		return nil
	}

	oldStatus := call.Status
	now := time.Now().UTC()
	call.Status = model.CallStatusCancelled
	call.CompletedAt = &now
	call.ExecutionTimeMS = executionTimeMS(call.StartedAt, now)

	change := model.NewStatusChange(callID, oldStatus, model.CallStatusCancelled)
	s.events[callID] = append(s.events[callID], change)
	s.mu.Unlock()

	s.bus.Publish(callID, change)
	s.bus.CloseCall(callID)
	return nil
}

// ListCalls filters, sorts newest-first by creation time and paginates.
func (s *MemoryStore) ListCalls(_ context.Context, req model.CallListRequest) (model.CallListResponse, error) {
	req.Normalize()

	s.mu.RLock()
	filtered := make([]model.Call, 0, len(s.calls))
	for _, call := range s.calls {
		if req.AgentName != "" && call.AgentName != req.AgentName {
			continue
		}
		if req.Status != "" && call.Status != req.Status {
			continue
		}
		filtered = append(filtered, *call)
	}
	s.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	start := req.Offset
	if start > total {
		start = total
	}
	end := start + req.Limit
	if end > total {
		end = total
	}

	return model.CallListResponse{
		Calls:  filtered[start:end],
		Total:  total,
		Offset: req.Offset,
		Limit:  req.Limit,
	}, nil
}

// GetEvents returns the call's history ordered by (timestamp, iteration).
func (s *MemoryStore) GetEvents(_ context.Context, callID uuid.UUID) ([]model.Event, error) {
	s.mu.RLock()
	stored := s.events[callID]
	events := make([]model.Event, len(stored))
	copy(events, stored)
	s.mu.RUnlock()

	model.SortEvents(events)
	return events, nil
}

// Exists reports whether the call id is known.
func (s *MemoryStore) Exists(_ context.Context, callID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.calls[callID]
	return ok, nil
}

// IsActive reports whether the call is pending or running.
func (s *MemoryStore) IsActive(_ context.Context, callID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	return ok && !call.Status.IsTerminal(), nil
}

// Subscribe replays stored history and relays live events via the bus.
func (s *MemoryStore) Subscribe(ctx context.Context, callID uuid.UUID) (<-chan model.Event, error) {
	s.mu.RLock()
	call, ok := s.calls[callID]
	if !ok {
		s.mu.RUnlock()
		s.logger.Warn("storage: subscribe to unknown call", "call_id", callID)
		return closedEventStream(), nil
	}
	terminal := call.Status.IsTerminal()
	history := make([]model.Event, len(s.events[callID]))
	copy(history, s.events[callID])
	s.mu.RUnlock()

	model.SortEvents(history)
	return s.bus.Subscribe(ctx, callID, history, terminal, func(ctx context.Context) bool {
		active, _ := s.IsActive(ctx, callID)
		return active
	}), nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close(context.Context) {}

// stampEvent fills in a generated id and a current UTC timestamp when the
// caller left them zero.
func stampEvent(id *uuid.UUID, ts *time.Time) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
}
