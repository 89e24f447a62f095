package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the closed set of call event variants.
type EventKind string

const (
	EventKindThought      EventKind = "thought"
	EventKindAction       EventKind = "action"
	EventKindResult       EventKind = "result"
	EventKindError        EventKind = "error"
	EventKindStatusChange EventKind = "status_change"
)

// Event is one immutable record in a call's history. The concrete types
// are *Thought, *Action, *Result, *ErrorEvent and *StatusChange; no other
// implementations exist.
type Event interface {
	Kind() EventKind
	Call() uuid.UUID
	OccurredAt() time.Time
}

// Thought is a reasoning step emitted by the agent. Sequence is assigned
// by the store at append time and is contiguous from 0 among the call's
// thought events.
type Thought struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventKind `json:"event_type"`
	Iteration int       `json:"iteration"`
	Sequence  int       `json:"sequence"`

	Reasoning        string         `json:"reasoning"`
	GoalAchieved     bool           `json:"goal_achieved"`
	TodoList         *string        `json:"todo_list,omitempty"`
	NextActionNeeded bool           `json:"next_action_needed"`
	ToolName         *string        `json:"tool_name,omitempty"`
	ToolParameters   map[string]any `json:"tool_parameters,omitempty"`
	ExpectedOutcome  *string        `json:"expected_outcome,omitempty"`
	UserMessage      *string        `json:"user_message,omitempty"`

	RawData map[string]any `json:"raw_data,omitempty"`
}

func (t *Thought) Kind() EventKind       { return EventKindThought }
func (t *Thought) Call() uuid.UUID       { return t.CallID }
func (t *Thought) OccurredAt() time.Time { return t.Timestamp }

// Action is one executed tool invocation. Sequence is scoped to the call's
// action events, independent of thought numbering.
type Action struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventKind `json:"event_type"`
	Iteration int       `json:"iteration"`
	Sequence  int       `json:"sequence"`

	ToolName      string         `json:"tool_name"`
	Parameters    map[string]any `json:"parameters"`
	Result        any            `json:"result"`
	Success       bool           `json:"success"`
	ExecutionTime float64        `json:"execution_time"`
	ErrorMessage  *string        `json:"error_message,omitempty"`

	RawData map[string]any `json:"raw_data,omitempty"`
}

func (a *Action) Kind() EventKind       { return EventKindAction }
func (a *Action) Call() uuid.UUID       { return a.CallID }
func (a *Action) OccurredAt() time.Time { return a.Timestamp }

// Result is the terminal payload of a completed call. At most one exists
// per call, stored immediately before the terminal status change.
type Result struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventKind `json:"event_type"`

	Success          bool           `json:"success"`
	Result           any            `json:"result"`
	ExecutiveSummary *string        `json:"executive_summary,omitempty"`
	KeyFindings      []string       `json:"key_findings,omitempty"`
	Citations        []map[string]any `json:"citations,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	RawData map[string]any `json:"raw_data,omitempty"`
}

func (r *Result) Kind() EventKind       { return EventKindResult }
func (r *Result) Call() uuid.UUID       { return r.CallID }
func (r *Result) OccurredAt() time.Time { return r.Timestamp }

// ErrorEvent records a failure during call execution, stored immediately
// before the transition to failed.
type ErrorEvent struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventKind `json:"event_type"`

	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	Recoverable  bool           `json:"recoverable"`

	RawData map[string]any `json:"raw_data,omitempty"`
}

func (e *ErrorEvent) Kind() EventKind       { return EventKindError }
func (e *ErrorEvent) Call() uuid.UUID       { return e.CallID }
func (e *ErrorEvent) OccurredAt() time.Time { return e.Timestamp }

// StatusChange records one status transition, emitted for every transition
// including pending to running.
type StatusChange struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventKind `json:"event_type"`

	OldStatus CallStatus `json:"old_status"`
	NewStatus CallStatus `json:"new_status"`
	Reason    *string    `json:"reason,omitempty"`
}

func (s *StatusChange) Kind() EventKind       { return EventKindStatusChange }
func (s *StatusChange) Call() uuid.UUID       { return s.CallID }
func (s *StatusChange) OccurredAt() time.Time { return s.Timestamp }

// NewStatusChange builds a status change event stamped with the current time.
func NewStatusChange(callID uuid.UUID, oldStatus, newStatus CallStatus) *StatusChange {
	return &StatusChange{
		ID:        uuid.New(),
		CallID:    callID,
		Timestamp: time.Now().UTC(),
		EventType: EventKindStatusChange,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}
}

// eventIteration returns the iteration of thought and action events and 0
// for everything else, for use as the ordering tie-breaker.
func eventIteration(e Event) int {
	switch ev := e.(type) {
	case *Thought:
		return ev.Iteration
	case *Action:
		return ev.Iteration
	}
	return 0
}

// SortEvents orders a call's history by (timestamp, iteration). The sort is
// stable so events with identical keys keep their insertion order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].OccurredAt(), events[j].OccurredAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return eventIteration(events[i]) < eventIteration(events[j])
	})
}

// DecodeEvent unmarshals a stored event payload into its concrete type
// based on the kind discriminator.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	switch kind {
	case EventKindThought:
		var t Thought
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("model: decode thought: %w", err)
		}
		return &t, nil
	case EventKindAction:
		var a Action
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("model: decode action: %w", err)
		}
		return &a, nil
	case EventKindResult:
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("model: decode result: %w", err)
		}
		return &r, nil
	case EventKindError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("model: decode error event: %w", err)
		}
		return &e, nil
	case EventKindStatusChange:
		var s StatusChange
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("model: decode status change: %w", err)
		}
		return &s, nil
	}
	return nil, fmt.Errorf("model: unknown event kind %q", kind)
}
