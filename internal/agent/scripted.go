package agent

import (
	"context"
	"fmt"
	"time"
)

// Scripted is a deterministic agent that walks a fixed number of
// thought/action iterations before declaring the goal achieved. It exists
// to exercise the callback contract in the demo binary and in tests; it
// performs no reasoning.
type Scripted struct {
	name        string
	description string
	iterations  int
	stepDelay   time.Duration
}

// NewScripted creates a scripted agent emitting the given number of
// iterations, pausing stepDelay between emissions.
func NewScripted(name string, iterations int, stepDelay time.Duration) *Scripted {
	if iterations < MinScriptedIterations {
		iterations = MinScriptedIterations
	}
	return &Scripted{
		name:        name,
		description: "Deterministic demo agent that scripts its reasoning loop.",
		iterations:  iterations,
		stepDelay:   stepDelay,
	}
}

// MinScriptedIterations is the floor for the scripted loop length.
const MinScriptedIterations = 1

func (s *Scripted) Descriptor() Descriptor {
	return Descriptor{
		Name:        s.name,
		Description: s.description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
			},
		},
		Mode:          "scripted",
		MaxIterations: s.iterations,
	}
}

// Execute emits thought and action pairs for each iteration, then a
// goal_completed event. Cancellation between steps stops the loop without
// a terminal emission, leaving the terminal transition to the caller.
func (s *Scripted) Execute(ctx context.Context, input map[string]any, maxIterations int, emit Callback) error {
	iterations := s.iterations
	if maxIterations > 0 && maxIterations < iterations {
		iterations = maxIterations
	}

	query, _ := input["query"].(string)

	for i := 1; i <= iterations; i++ {
		if err := s.pause(ctx); err != nil {
			return err
		}
		final := i == iterations
		thought := map[string]any{
			"reasoning":          fmt.Sprintf("step %d of %d for %q", i, iterations, query),
			"goal_achieved":      final,
			"next_action_needed": !final,
			"tool_name":          "echo",
			"tool_parameters":    map[string]any{"text": query},
		}
		emit(KindThoughtCreated, map[string]any{
			"iteration": i,
			"thought":   thought,
		})

		if err := s.pause(ctx); err != nil {
			return err
		}
		emit(KindActionExecuted, map[string]any{
			"iteration": i,
			"thought":   thought,
			"action_result": map[string]any{
				"tool_name":      "echo",
				"parameters":     map[string]any{"text": query},
				"result":         query,
				"success":        true,
				"execution_time": s.stepDelay.Seconds(),
			},
		})
	}

	if err := s.pause(ctx); err != nil {
		return err
	}
	emit(KindGoalCompleted, map[string]any{
		"achieved":   true,
		"iterations": iterations,
		"mode":       "scripted",
		"goal":       query,
		"final_result": map[string]any{
			"executive_summary": fmt.Sprintf("completed %d scripted iterations", iterations),
			"key_findings":      []string{"scripted run finished"},
			"summary":           query,
		},
	})
	return nil
}

func (s *Scripted) pause(ctx context.Context) error {
	if s.stepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.stepDelay):
		return nil
	}
}
