package mitoru

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle status of a call.
type CallStatus string

// Call lifecycle statuses.
const (
	StatusPending   CallStatus = "pending"
	StatusRunning   CallStatus = "running"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
	StatusCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Event kinds as reported in the event_type field.
const (
	EventThought      = "thought"
	EventAction       = "action"
	EventResult       = "result"
	EventError        = "error"
	EventStatusChange = "status_change"
)

// Call is a summary of an agent call.
type Call struct {
	ID        uuid.UUID      `json:"id"`
	AgentName string         `json:"agent_name"`
	InputData map[string]any `json:"input_data"`
	Status    CallStatus     `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	TotalThoughts   int    `json:"total_thoughts"`
	TotalActions    int    `json:"total_actions"`
	ExecutionTimeMS *int64 `json:"execution_time_ms,omitempty"`
}

// CallSpec is the request body for starting a call.
type CallSpec struct {
	InputData     map[string]any `json:"input_data"`
	MaxIterations *int           `json:"max_iterations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Event is a single call event. The EventType field discriminates which of
// the kind-specific fields are populated; Raw carries the full payload for
// callers that need fields not lifted here.
type Event struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Iteration int       `json:"iteration,omitempty"`
	Sequence  int       `json:"sequence,omitempty"`

	// Thought fields.
	Reasoning    string `json:"reasoning,omitempty"`
	GoalAchieved bool   `json:"goal_achieved,omitempty"`

	// Action fields.
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Result fields.
	Success          bool     `json:"success,omitempty"`
	Result           any      `json:"result,omitempty"`
	ExecutiveSummary *string  `json:"executive_summary,omitempty"`
	KeyFindings      []string `json:"key_findings,omitempty"`

	// Error fields.
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`

	// Status change fields.
	OldStatus CallStatus `json:"old_status,omitempty"`
	NewStatus CallStatus `json:"new_status,omitempty"`
	Reason    *string    `json:"reason,omitempty"`
}

// AgentDescriptor describes a registered agent.
type AgentDescriptor struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	OutputSchema  map[string]any `json:"output_schema,omitempty"`
	Mode          string         `json:"mode"`
	MaxIterations int            `json:"max_iterations"`
}

// CallList is a page of calls.
type CallList struct {
	Calls  []Call `json:"calls"`
	Total  int    `json:"total"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// EventList is the full event history of a call.
type EventList struct {
	CallID uuid.UUID `json:"call_id"`
	Events []Event   `json:"events"`
	Total  int       `json:"total"`
}

// ListCallsOptions are optional filters for ListCalls.
type ListCallsOptions struct {
	Status CallStatus
	Limit  int
	Offset int
}
