// Package agent defines the contract between the execution coordinator and
// the reasoning engines it drives. Engines are external collaborators: the
// coordinator only sees a Descriptor, an Execute method and the events the
// engine pushes through its callback.
package agent

import "context"

// Callback kinds an engine may emit. Unknown kinds are logged and dropped
// by the coordinator; workflow_* kinds are informational only.
const (
	KindThoughtCreated    = "thought_created"
	KindActionExecuted    = "action_executed"
	KindGoalCompleted     = "goal_completed"
	KindError             = "error"
	KindWorkflowStarted   = "workflow_started"
	KindWorkflowCompleted = "workflow_completed"
)

// Callback receives one engine event. The coordinator's callback enqueues
// onto a bounded queue, applying backpressure to the engine when the
// ingestion pipeline is saturated.
type Callback func(kind string, payload map[string]any)

// Descriptor describes an agent for registry listings and call validation.
// Returned by the agent itself; nothing is derived by reflection.
type Descriptor struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	OutputSchema  map[string]any `json:"output_schema,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	MaxIterations int            `json:"max_iterations"`
}

// Agent is a reasoning engine the coordinator can execute.
//
// Execute runs one call to completion, emitting progress through emit. It
// must respect ctx cancellation promptly and may return an error instead of
// (or in addition to) emitting a terminal event; the coordinator translates
// a returned error into call failure when no terminal event arrived.
type Agent interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, input map[string]any, maxIterations int, emit Callback) error
}
