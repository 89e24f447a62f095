// Package model defines the core domain types for Mitoru: calls, their
// status machine, and the typed events that make up a call's history.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// except for payloads that are opaque by contract (tool results, input data).
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus represents the lifecycle state of an agent call.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusRunning   CallStatus = "running"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing: no transition ever
// leaves a terminal state, and no further thought/action/result/error
// events are accepted for the call.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusPending, CallStatusRunning, CallStatusCompleted, CallStatusFailed, CallStatusCancelled:
		return true
	}
	return false
}

// Call is the aggregate root for one tracked unit of agent work.
// Owned exclusively by the store; mutated only through its lifecycle
// operations.
type Call struct {
	ID        uuid.UUID      `json:"id"`
	AgentName string         `json:"agent_name"`
	InputData map[string]any `json:"input_data"`
	Status    CallStatus     `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Summary stats, maintained by the store as events append.
	TotalThoughts   int    `json:"total_thoughts"`
	TotalActions    int    `json:"total_actions"`
	ExecutionTimeMS *int64 `json:"execution_time_ms,omitempty"`
}

const (
	// MinIterations and MaxIterations bound the reasoning loop length a
	// caller may request.
	MinIterations = 1
	MaxIterations = 100
)

// CallSpec is the request payload for creating a new call.
type CallSpec struct {
	AgentName     string         `json:"agent_name,omitempty"` // set by the transport layer
	InputData     map[string]any `json:"input_data"`
	MaxIterations *int           `json:"max_iterations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks the spec's caller-controlled fields.
func (s CallSpec) Validate() error {
	if s.InputData == nil {
		return fmt.Errorf("input_data is required")
	}
	if s.MaxIterations != nil && (*s.MaxIterations < MinIterations || *s.MaxIterations > MaxIterations) {
		return fmt.Errorf("max_iterations must be between %d and %d", MinIterations, MaxIterations)
	}
	return nil
}

// CallListRequest holds filter and pagination parameters for listing calls.
// A zero AgentName or Status matches everything.
type CallListRequest struct {
	AgentName string     `json:"agent_name,omitempty"`
	Status    CallStatus `json:"status,omitempty"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// Normalize clamps pagination parameters to sane bounds.
func (r *CallListRequest) Normalize() {
	if r.Limit <= 0 {
		r.Limit = 50
	}
	if r.Limit > 100 {
		r.Limit = 100
	}
	if r.Offset < 0 {
		r.Offset = 0
	}
}

// CallListResponse is a page of calls plus the filtered total.
type CallListResponse struct {
	Calls  []Call `json:"calls"`
	Total  int    `json:"total"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}
