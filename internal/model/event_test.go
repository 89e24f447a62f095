package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitoru-ai/mitoru/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func TestCallStatusIsTerminal(t *testing.T) {
	assert.False(t, model.CallStatusPending.IsTerminal())
	assert.False(t, model.CallStatusRunning.IsTerminal())
	assert.True(t, model.CallStatusCompleted.IsTerminal())
	assert.True(t, model.CallStatusFailed.IsTerminal())
	assert.True(t, model.CallStatusCancelled.IsTerminal())
}

func TestSortEvents_TimestampThenIteration(t *testing.T) {
	callID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two events share a timestamp; iteration breaks the tie.
	later := &model.Thought{CallID: callID, Timestamp: base.Add(time.Second), Iteration: 0}
	tieHigh := &model.Action{CallID: callID, Timestamp: base, Iteration: 2}
	tieLow := &model.Thought{CallID: callID, Timestamp: base, Iteration: 1}

	events := []model.Event{later, tieHigh, tieLow}
	model.SortEvents(events)

	require.Len(t, events, 3)
	assert.Same(t, tieLow, events[0])
	assert.Same(t, tieHigh, events[1])
	assert.Same(t, later, events[2])
}

func TestSortEvents_StableOnEqualKeys(t *testing.T) {
	callID := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Result and StatusChange carry no iteration; with equal timestamps the
	// insertion order must survive: terminal payload before the status change.
	result := &model.Result{CallID: callID, Timestamp: ts, EventType: model.EventKindResult}
	change := model.NewStatusChange(callID, model.CallStatusRunning, model.CallStatusCompleted)
	change.Timestamp = ts

	events := []model.Event{result, change}
	model.SortEvents(events)

	assert.Equal(t, model.EventKindResult, events[0].Kind())
	assert.Equal(t, model.EventKindStatusChange, events[1].Kind())
}

func TestDecodeEvent_RoundTripsConcreteTypes(t *testing.T) {
	callID := uuid.New()
	thought := &model.Thought{
		ID:               uuid.New(),
		CallID:           callID,
		Timestamp:        time.Now().UTC().Truncate(time.Microsecond),
		EventType:        model.EventKindThought,
		Iteration:        3,
		Sequence:         2,
		Reasoning:        "check the index first",
		NextActionNeeded: true,
		ToolName:         ptr("search"),
		ToolParameters:   map[string]any{"q": "latency"},
	}

	data, err := json.Marshal(thought)
	require.NoError(t, err)

	decoded, err := model.DecodeEvent(model.EventKindThought, data)
	require.NoError(t, err)

	got, ok := decoded.(*model.Thought)
	require.True(t, ok)
	assert.Equal(t, thought.Reasoning, got.Reasoning)
	assert.Equal(t, thought.Sequence, got.Sequence)
	assert.Equal(t, callID, got.Call())
	assert.Equal(t, model.EventKindThought, got.Kind())
}

func TestDecodeEvent_UnknownKind(t *testing.T) {
	_, err := model.DecodeEvent(model.EventKind("workflow_step"), []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestCallSpecValidate(t *testing.T) {
	spec := model.CallSpec{InputData: map[string]any{"goal": "x"}}
	assert.NoError(t, spec.Validate())

	spec.MaxIterations = ptr(0)
	assert.Error(t, spec.Validate())

	spec.MaxIterations = ptr(101)
	assert.Error(t, spec.Validate())

	spec.MaxIterations = ptr(10)
	assert.NoError(t, spec.Validate())

	assert.Error(t, model.CallSpec{}.Validate(), "input_data is required")
}

func TestCallListRequestNormalize(t *testing.T) {
	r := model.CallListRequest{Limit: 0, Offset: -5}
	r.Normalize()
	assert.Equal(t, 50, r.Limit)
	assert.Equal(t, 0, r.Offset)

	r = model.CallListRequest{Limit: 500, Offset: 10}
	r.Normalize()
	assert.Equal(t, 100, r.Limit)
	assert.Equal(t, 10, r.Offset)
}
