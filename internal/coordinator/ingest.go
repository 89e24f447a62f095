package coordinator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/mitoru-ai/mitoru/internal/agent"
	"github.com/mitoru-ai/mitoru/internal/model"
)

// envelope is one engine event queued for ingestion.
type envelope struct {
	callID  uuid.UUID
	kind    string
	payload map[string]any
}

// enqueue hands an envelope to the ingestion worker. Blocks when the queue
// is full; during shutdown the event is dropped instead.
func (c *Coordinator) enqueue(env envelope) {
	select {
	case c.queue <- env:
	case <-c.quit:
		c.logger.Warn("coordinator: dropping event during shutdown",
			"call_id", env.callID, "kind", env.kind)
	}
}

// ingest is the single worker draining the shared queue. Events are
// dispatched strictly in arrival order; a failure on one event never stops
// the worker.
func (c *Coordinator) ingest() {
	defer close(c.workerDone)
	for {
		select {
		case env := <-c.queue:
			c.dispatch(env)
		case <-c.quit:
			for {
				select {
				case env := <-c.queue:
					c.dispatch(env)
				default:
					return
				}
			}
		}
	}
}

// dispatch translates one engine event into a store write. Events for
// calls that are no longer active are skipped early; the store enforces
// the same rule atomically, so a cancel landing after this check still
// cannot resurrect the call.
func (c *Coordinator) dispatch(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: panic dispatching event",
				"call_id", env.callID, "kind", env.kind, "panic", r)
		}
	}()

	ctx := context.Background()
	callID := env.callID

	active, err := c.store.IsActive(ctx, callID)
	if err != nil {
		c.logger.Error("coordinator: check call active", "call_id", callID, "error", err)
		return
	}
	if !active {
		c.logger.Warn("coordinator: dropping event for inactive call",
			"call_id", callID, "kind", env.kind)
		return
	}

	switch env.kind {
	case agent.KindThoughtCreated:
		err = c.store.AppendThought(ctx, callID, thoughtFrom(callID, env.payload))
	case agent.KindActionExecuted:
		err = c.store.AppendAction(ctx, callID, actionFrom(callID, env.payload))
	case agent.KindGoalCompleted:
		err = c.store.MarkDone(ctx, callID, resultFrom(callID, env.payload))
	case agent.KindError:
		err = c.store.MarkFailed(ctx, callID, errorFrom(callID, env.payload))
	default:
		if strings.HasPrefix(env.kind, "workflow_") {
			c.logger.Debug("coordinator: workflow event", "call_id", callID, "kind", env.kind)
			return
		}
		c.logger.Warn("coordinator: dropping unknown event kind",
			"call_id", callID, "kind", env.kind)
		return
	}
	if err != nil {
		c.logger.Error("coordinator: persist event failed",
			"call_id", callID, "kind", env.kind, "error", err)
	}
}

// thoughtFrom maps a thought_created payload: {iteration, thought: {...}}
// with the event fields nested under "thought".
func thoughtFrom(callID uuid.UUID, p map[string]any) model.Thought {
	thought := asMap(p["thought"])
	return model.Thought{
		CallID:           callID,
		Iteration:        asInt(p["iteration"]),
		Reasoning:        asString(thought["reasoning"]),
		GoalAchieved:     asBool(thought["goal_achieved"]),
		TodoList:         asStringPtr(thought["todo_list"]),
		NextActionNeeded: asBool(thought["next_action_needed"]),
		ToolName:         asStringPtr(thought["tool_name"]),
		ToolParameters:   asMap(thought["tool_parameters"]),
		ExpectedOutcome:  asStringPtr(thought["expected_outcome"]),
		UserMessage:      asStringPtr(thought["user_message"]),
		RawData:          p,
	}
}

// actionFrom maps an action_executed payload:
// {iteration, thought: {...}, action_result: {...}} with the action fields
// nested under "action_result". Missing tool names become "unknown" and
// success defaults to true, since some tools omit both on the happy path.
func actionFrom(callID uuid.UUID, p map[string]any) model.Action {
	action := asMap(p["action_result"])

	toolName := asString(action["tool_name"])
	if toolName == "" {
		toolName = "unknown"
	}

	success := true
	if v, ok := action["success"].(bool); ok {
		success = v
	}

	return model.Action{
		CallID:        callID,
		Iteration:     asInt(p["iteration"]),
		ToolName:      toolName,
		Parameters:    asMap(action["parameters"]),
		Result:        action["result"],
		Success:       success,
		ExecutionTime: asFloat(action["execution_time"]),
		ErrorMessage:  asStringPtr(action["error_message"]),
		RawData:       p,
	}
}

// resultFrom maps a goal_completed payload. When the final result is a map,
// the structured summary fields are lifted out of it; otherwise the value
// is carried opaquely.
func resultFrom(callID uuid.UUID, p map[string]any) model.Result {
	result := model.Result{
		CallID:  callID,
		Success: asBool(p["achieved"]),
		Result:  p["final_result"],
		RawData: p,
	}

	if final := asMap(p["final_result"]); final != nil {
		result.ExecutiveSummary = asStringPtr(final["executive_summary"])
		result.KeyFindings = asStringSlice(final["key_findings"])
		result.Citations = asMapSlice(final["citations"])
	}

	metadata := map[string]any{}
	for _, key := range []string{"iterations", "mode", "goal"} {
		if v, ok := p[key]; ok {
			metadata[key] = v
		}
	}
	if len(metadata) > 0 {
		result.Metadata = metadata
	}
	return result
}

func errorFrom(callID uuid.UUID, p map[string]any) model.ErrorEvent {
	errType := asString(p["error_type"])
	if errType == "" {
		errType = "execution_error"
	}
	return model.ErrorEvent{
		CallID:       callID,
		ErrorType:    errType,
		ErrorMessage: asString(p["error_message"]),
		ErrorDetails: asMap(p["error_details"]),
		Recoverable:  asBool(p["recoverable"]),
		RawData:      p,
	}
}
