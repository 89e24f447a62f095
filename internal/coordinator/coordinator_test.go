package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitoru-ai/mitoru/internal/agent"
	"github.com/mitoru-ai/mitoru/internal/bus"
	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

// funcAgent adapts a function to the agent contract for tests.
type funcAgent struct {
	name string
	fn   func(ctx context.Context, emit agent.Callback) error
}

func (f *funcAgent) Descriptor() agent.Descriptor {
	return agent.Descriptor{Name: f.name, Mode: "test", MaxIterations: 10}
}

func (f *funcAgent) Execute(ctx context.Context, _ map[string]any, _ int, emit agent.Callback) error {
	return f.fn(ctx, emit)
}

func newTestCoordinator(t *testing.T, agents ...agent.Agent) (*Coordinator, *storage.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore(bus.New(logger, 64), logger)
	c := New(store, logger, 16)
	for _, a := range agents {
		require.NoError(t, c.Register(a))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, store
}

func waitForStatus(t *testing.T, store *storage.MemoryStore, callID uuid.UUID, want model.CallStatus) model.Call {
	t.Helper()
	var call model.Call
	require.Eventually(t, func() bool {
		var err error
		call, err = store.GetCall(context.Background(), callID)
		return err == nil && call.Status == want
	}, 5*time.Second, 5*time.Millisecond, "call never reached %s", want)
	return call
}

func TestStartCallUnknownAgent(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.StartCall(context.Background(), "nope", model.CallSpec{
		InputData: map[string]any{},
	})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestStartCallInvalidSpec(t *testing.T) {
	c, _ := newTestCoordinator(t, agent.NewScripted("demo", 1, 0))

	_, err := c.StartCall(context.Background(), "demo", model.CallSpec{})
	assert.Error(t, err)

	over := model.MaxIterations + 1
	_, err = c.StartCall(context.Background(), "demo", model.CallSpec{
		InputData:     map[string]any{},
		MaxIterations: &over,
	})
	assert.Error(t, err)
}

func TestScriptedRunCompletes(t *testing.T) {
	c, store := newTestCoordinator(t, agent.NewScripted("demo", 2, 0))
	ctx := context.Background()

	call, err := c.StartCall(ctx, "demo", model.CallSpec{
		InputData: map[string]any{"query": "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusPending, call.Status)

	done := waitForStatus(t, store, call.ID, model.CallStatusCompleted)
	assert.Equal(t, 2, done.TotalThoughts)
	assert.Equal(t, 2, done.TotalActions)

	events, err := store.GetEvents(ctx, call.ID)
	require.NoError(t, err)
	// pending->running, 2 thought/action pairs, result, running->completed
	require.Len(t, events, 7)

	var seqs []int
	for _, ev := range events {
		if th, ok := ev.(*model.Thought); ok {
			seqs = append(seqs, th.Sequence)
		}
	}
	assert.Equal(t, []int{0, 1}, seqs)

	result, ok := events[5].(*model.Result)
	require.True(t, ok)
	assert.True(t, result.Success)
	require.NotNil(t, result.ExecutiveSummary)
	assert.Equal(t, []string{"scripted run finished"}, result.KeyFindings)
	assert.Equal(t, "scripted", result.Metadata["mode"])

	change, ok := events[6].(*model.StatusChange)
	require.True(t, ok)
	assert.Equal(t, model.CallStatusCompleted, change.NewStatus)
}

func TestNestedPayloadFieldsPersist(t *testing.T) {
	c, store := newTestCoordinator(t, &funcAgent{
		name: "nested",
		fn: func(_ context.Context, emit agent.Callback) error {
			thought := map[string]any{
				"reasoning":          "found it",
				"goal_achieved":      false,
				"next_action_needed": true,
				"tool_name":          "search",
				"tool_parameters":    map[string]any{"q": "docs"},
			}
			emit(agent.KindThoughtCreated, map[string]any{
				"iteration": 1,
				"thought":   thought,
			})
			emit(agent.KindActionExecuted, map[string]any{
				"iteration": 1,
				"thought":   thought,
				"action_result": map[string]any{
					"tool_name":      "search",
					"parameters":     map[string]any{"q": "docs"},
					"result":         "3 hits",
					"success":        true,
					"execution_time": 0.25,
				},
			})
			emit(agent.KindGoalCompleted, map[string]any{"achieved": true})
			return nil
		},
	})

	call, err := c.StartCall(context.Background(), "nested", model.CallSpec{
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	waitForStatus(t, store, call.ID, model.CallStatusCompleted)

	events, err := store.GetEvents(context.Background(), call.ID)
	require.NoError(t, err)

	var thought *model.Thought
	var action *model.Action
	for _, ev := range events {
		switch e := ev.(type) {
		case *model.Thought:
			thought = e
		case *model.Action:
			action = e
		}
	}

	require.NotNil(t, thought)
	assert.Equal(t, 1, thought.Iteration)
	assert.Equal(t, "found it", thought.Reasoning)
	assert.True(t, thought.NextActionNeeded)
	require.NotNil(t, thought.ToolName)
	assert.Equal(t, "search", *thought.ToolName)
	assert.Equal(t, map[string]any{"q": "docs"}, thought.ToolParameters)
	// RawData keeps the full payload, wrapper included.
	assert.Contains(t, thought.RawData, "thought")

	require.NotNil(t, action)
	assert.Equal(t, 1, action.Iteration)
	assert.Equal(t, "search", action.ToolName)
	assert.Equal(t, "3 hits", action.Result)
	assert.True(t, action.Success)
	assert.Equal(t, 0.25, action.ExecutionTime)
}

func TestActionDefaultsWhenFieldsOmitted(t *testing.T) {
	c, store := newTestCoordinator(t, &funcAgent{
		name: "sparse",
		fn: func(_ context.Context, emit agent.Callback) error {
			emit(agent.KindActionExecuted, map[string]any{
				"iteration":     1,
				"action_result": map[string]any{"result": "done"},
			})
			emit(agent.KindGoalCompleted, map[string]any{"achieved": true})
			return nil
		},
	})

	call, err := c.StartCall(context.Background(), "sparse", model.CallSpec{
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	waitForStatus(t, store, call.ID, model.CallStatusCompleted)

	events, err := store.GetEvents(context.Background(), call.ID)
	require.NoError(t, err)

	var action *model.Action
	for _, ev := range events {
		if a, ok := ev.(*model.Action); ok {
			action = a
		}
	}
	require.NotNil(t, action)
	assert.Equal(t, "unknown", action.ToolName)
	assert.True(t, action.Success)
	assert.Equal(t, "done", action.Result)
}

func TestExecutionErrorFailsCall(t *testing.T) {
	c, store := newTestCoordinator(t, &funcAgent{
		name: "broken",
		fn: func(context.Context, agent.Callback) error {
			return errors.New("engine exploded")
		},
	})

	call, err := c.StartCall(context.Background(), "broken", model.CallSpec{
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	waitForStatus(t, store, call.ID, model.CallStatusFailed)

	events, err := store.GetEvents(context.Background(), call.ID)
	require.NoError(t, err)

	var errEvent *model.ErrorEvent
	for _, ev := range events {
		if e, ok := ev.(*model.ErrorEvent); ok {
			errEvent = e
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, "execution_error", errEvent.ErrorType)
	assert.Contains(t, errEvent.ErrorMessage, "engine exploded")
}

func TestAgentPanicIsContained(t *testing.T) {
	c, store := newTestCoordinator(t, &funcAgent{
		name: "panicky",
		fn: func(context.Context, agent.Callback) error {
			panic("boom")
		},
	})

	call, err := c.StartCall(context.Background(), "panicky", model.CallSpec{
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	waitForStatus(t, store, call.ID, model.CallStatusFailed)
}

func TestUnknownEventKindsDropped(t *testing.T) {
	c, store := newTestCoordinator(t, &funcAgent{
		name: "odd",
		fn: func(_ context.Context, emit agent.Callback) error {
			emit("workflow_started", map[string]any{})
			emit("telepathy", map[string]any{"data": 1})
			emit(agent.KindGoalCompleted, map[string]any{"achieved": true})
			return nil
		},
	})

	call, err := c.StartCall(context.Background(), "odd", model.CallSpec{
		InputData: map[string]any{},
	})
	require.NoError(t, err)

	waitForStatus(t, store, call.ID, model.CallStatusCompleted)

	events, err := store.GetEvents(context.Background(), call.ID)
	require.NoError(t, err)
	// Only the two status changes and the result made it into history.
	require.Len(t, events, 3)
}

func TestCancelRunningCall(t *testing.T) {
	started := make(chan struct{})
	c, store := newTestCoordinator(t, &funcAgent{
		name: "slow",
		fn: func(ctx context.Context, emit agent.Callback) error {
			emit(agent.KindThoughtCreated, map[string]any{"iteration": 1, "reasoning": "thinking"})
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	ctx := context.Background()

	call, err := c.StartCall(ctx, "slow", model.CallSpec{InputData: map[string]any{}})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never started")
	}

	found, err := c.Cancel(ctx, call.ID)
	require.NoError(t, err)
	assert.True(t, found)

	got := waitForStatus(t, store, call.ID, model.CallStatusCancelled)
	require.NotNil(t, got.CompletedAt)

	events, err := store.GetEvents(ctx, call.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	change, ok := last.(*model.StatusChange)
	require.True(t, ok)
	assert.Equal(t, model.CallStatusCancelled, change.NewStatus)
	// No result or error event was recorded.
	for _, ev := range events {
		assert.NotEqual(t, model.EventKindResult, ev.Kind())
		assert.NotEqual(t, model.EventKindError, ev.Kind())
	}
}

func TestCancelUnknownCall(t *testing.T) {
	c, _ := newTestCoordinator(t)

	found, err := c.Cancel(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShutdownCancelsRunningCalls(t *testing.T) {
	started := make(chan struct{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore(bus.New(logger, 64), logger)
	c := New(store, logger, 16)
	require.NoError(t, c.Register(&funcAgent{
		name: "hang",
		fn: func(ctx context.Context, _ agent.Callback) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	call, err := c.StartCall(context.Background(), "hang", model.CallSpec{
		InputData: map[string]any{},
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	got, err := store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCancelled, got.Status)

	// New calls are refused after shutdown.
	_, err = c.StartCall(context.Background(), "hang", model.CallSpec{
		InputData: map[string]any{},
	})
	assert.ErrorIs(t, err, ErrShuttingDown)

	// A second shutdown is a no-op.
	require.NoError(t, c.Shutdown(ctx))
}

func TestConcurrentCallsKeepPerCallOrder(t *testing.T) {
	// Two executions share the ingestion queue; each call's events must
	// still land in emission order with contiguous sequences.
	gate := make(chan struct{})
	mkAgent := func(name string, thoughts int) *funcAgent {
		return &funcAgent{
			name: name,
			fn: func(_ context.Context, emit agent.Callback) error {
				<-gate
				for i := 1; i <= thoughts; i++ {
					emit(agent.KindThoughtCreated, map[string]any{
						"iteration": i,
						"thought":   map[string]any{"reasoning": name},
					})
				}
				emit(agent.KindActionExecuted, map[string]any{
					"iteration":     thoughts,
					"action_result": map[string]any{"tool_name": name, "success": true},
				})
				emit(agent.KindGoalCompleted, map[string]any{"achieved": true})
				return nil
			},
		}
	}
	c, store := newTestCoordinator(t, mkAgent("first", 3), mkAgent("second", 2))
	ctx := context.Background()

	callA, err := c.StartCall(ctx, "first", model.CallSpec{InputData: map[string]any{}})
	require.NoError(t, err)
	callB, err := c.StartCall(ctx, "second", model.CallSpec{InputData: map[string]any{}})
	require.NoError(t, err)
	close(gate)

	waitForStatus(t, store, callA.ID, model.CallStatusCompleted)
	waitForStatus(t, store, callB.ID, model.CallStatusCompleted)

	check := func(callID uuid.UUID, wantThoughts int) {
		events, err := store.GetEvents(ctx, callID)
		require.NoError(t, err)

		var iterations, seqs []int
		actionSeq := -1
		for _, ev := range events {
			switch e := ev.(type) {
			case *model.Thought:
				iterations = append(iterations, e.Iteration)
				seqs = append(seqs, e.Sequence)
			case *model.Action:
				actionSeq = e.Sequence
			}
		}
		require.Len(t, iterations, wantThoughts)
		for i := 0; i < wantThoughts; i++ {
			assert.Equal(t, i+1, iterations[i])
			assert.Equal(t, i, seqs[i])
		}
		assert.Equal(t, 0, actionSeq)
	}
	check(callA.ID, 3)
	check(callB.ID, 2)
}

func TestDescriptorsSorted(t *testing.T) {
	c, _ := newTestCoordinator(t,
		agent.NewScripted("zeta", 1, 0),
		agent.NewScripted("alpha", 1, 0),
	)

	descs := c.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
	assert.Equal(t, "zeta", descs[1].Name)
}
