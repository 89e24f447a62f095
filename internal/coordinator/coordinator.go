// Package coordinator owns call execution: it launches registered agents,
// funnels their callback events through a single-worker ingestion pipeline,
// and drives cooperative cancellation and ordered shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mitoru-ai/mitoru/internal/agent"
	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

var (
	// ErrUnknownAgent is returned when a call names an unregistered agent.
	ErrUnknownAgent = errors.New("coordinator: unknown agent")
	// ErrShuttingDown is returned for new calls during shutdown.
	ErrShuttingDown = errors.New("coordinator: shutting down")
)

// DefaultQueueCapacity bounds the shared ingestion queue. When the queue is
// full, engine callbacks block, which backpressures the engines rather than
// dropping events.
const DefaultQueueCapacity = 256

// cancelGrace is how long a cooperative cancel waits for the execution
// goroutine to wind down before giving up on the wait (the context cancel
// itself is already delivered).
const cancelGrace = time.Second

// execution tracks one in-flight call.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator launches agent executions and ingests their events.
// Construct with New, register agents before serving traffic, and call
// Shutdown exactly once.
type Coordinator struct {
	store  storage.Store
	logger *slog.Logger
	agents map[string]agent.Agent

	queue      chan envelope
	quit       chan struct{}
	workerDone chan struct{}

	mu      sync.Mutex
	running map[uuid.UUID]*execution
	closed  bool
}

// New creates a coordinator and starts its single ingestion worker.
// queueCapacity <= 0 selects DefaultQueueCapacity.
func New(store storage.Store, logger *slog.Logger, queueCapacity int) *Coordinator {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	c := &Coordinator{
		store:      store,
		logger:     logger,
		agents:     make(map[string]agent.Agent),
		queue:      make(chan envelope, queueCapacity),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
		running:    make(map[uuid.UUID]*execution),
	}
	go c.ingest()
	return c
}

// Register adds an agent under its descriptor name. Registration happens
// during startup wiring, before any calls arrive.
func (c *Coordinator) Register(a agent.Agent) error {
	name := a.Descriptor().Name
	if name == "" {
		return fmt.Errorf("coordinator: agent with empty name")
	}
	if _, exists := c.agents[name]; exists {
		return fmt.Errorf("coordinator: agent %q already registered", name)
	}
	c.agents[name] = a
	return nil
}

// Agent returns the registered agent by name.
func (c *Coordinator) Agent(name string) (agent.Agent, bool) {
	a, ok := c.agents[name]
	return a, ok
}

// Descriptors lists registered agents sorted by name.
func (c *Coordinator) Descriptors() []agent.Descriptor {
	out := make([]agent.Descriptor, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueueDepth reports the number of queued, not-yet-dispatched events.
func (c *Coordinator) QueueDepth() int {
	return len(c.queue)
}

// StartCall validates the spec, persists a pending call and launches its
// execution. The cancellation handle is registered before the execution
// goroutine starts, so a Cancel arriving immediately after return is
// always able to reach the execution.
func (c *Coordinator) StartCall(ctx context.Context, agentName string, spec model.CallSpec) (model.Call, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return model.Call{}, ErrShuttingDown
	}

	a, ok := c.agents[agentName]
	if !ok {
		return model.Call{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
	}
	spec.AgentName = agentName
	if err := spec.Validate(); err != nil {
		return model.Call{}, fmt.Errorf("coordinator: invalid call spec: %w", err)
	}

	call, err := c.store.CreateCall(ctx, spec)
	if err != nil {
		return model.Call{}, err
	}

	maxIterations := a.Descriptor().MaxIterations
	if spec.MaxIterations != nil {
		maxIterations = *spec.MaxIterations
	}

	execCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return model.Call{}, ErrShuttingDown
	}
	c.running[call.ID] = exec
	c.mu.Unlock()

	go c.run(execCtx, exec, a, call, maxIterations)

	return call, nil
}

// run drives one execution to completion and reports its outcome through
// the ingestion queue. Panics are contained and surface as error events.
func (c *Coordinator) run(ctx context.Context, exec *execution, a agent.Agent, call model.Call, maxIterations int) {
	defer func() {
		c.mu.Lock()
		delete(c.running, call.ID)
		c.mu.Unlock()
		close(exec.done)
	}()

	if err := c.store.MarkStarted(ctx, call.ID); err != nil {
		c.logger.Error("coordinator: mark started", "call_id", call.ID, "error", err)
	}

	emit := func(kind string, payload map[string]any) {
		c.enqueue(envelope{callID: call.ID, kind: kind, payload: payload})
	}

	err := c.execute(ctx, a, call, maxIterations, emit)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Cancellation is driven by Cancel/Shutdown, which record the
		// terminal transition themselves.
		c.logger.Info("coordinator: execution cancelled", "call_id", call.ID)
	default:
		c.logger.Error("coordinator: execution failed", "call_id", call.ID, "error", err)
		emit(agent.KindError, map[string]any{
			"error_type":    "execution_error",
			"error_message": err.Error(),
			"recoverable":   false,
		})
	}
}

// execute invokes the agent with panic containment.
func (c *Coordinator) execute(ctx context.Context, a agent.Agent, call model.Call, maxIterations int, emit agent.Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: agent panic: %v", r)
		}
	}()
	return a.Execute(ctx, call.InputData, maxIterations, emit)
}

// Cancel requests cooperative cancellation, waits briefly for the execution
// to wind down, and records the cancelled transition. Reports whether an
// in-flight execution was found; the store transition is attempted either
// way and tolerates unknown or already-terminal calls.
func (c *Coordinator) Cancel(ctx context.Context, callID uuid.UUID) (bool, error) {
	c.mu.Lock()
	exec, found := c.running[callID]
	c.mu.Unlock()

	if found {
		exec.cancel()
		select {
		case <-exec.done:
		case <-time.After(cancelGrace):
			c.logger.Warn("coordinator: execution did not stop within grace", "call_id", callID)
		case <-ctx.Done():
			return found, ctx.Err()
		}
	}

	if err := c.store.MarkCancelled(ctx, callID); err != nil {
		return found, err
	}
	return found, nil
}

// Shutdown cancels all in-flight executions, waits for them within ctx,
// then drains and stops the ingestion worker. The worker is torn down
// last so already-emitted events are still persisted.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	executions := make(map[uuid.UUID]*execution, len(c.running))
	for id, exec := range c.running {
		executions[id] = exec
	}
	c.mu.Unlock()

	var g errgroup.Group
	for id, exec := range executions {
		exec.cancel()
		g.Go(func() error {
			select {
			case <-exec.done:
				if err := c.store.MarkCancelled(ctx, id); err != nil {
					c.logger.Error("coordinator: mark cancelled during shutdown", "call_id", id, "error", err)
				}
			case <-ctx.Done():
				c.logger.Warn("coordinator: abandoning execution at shutdown deadline", "call_id", id)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Signal the worker to drain the backlog and exit. The queue channel
	// itself is never closed: an execution abandoned at the deadline may
	// still emit, and those stragglers must not panic the process.
	close(c.quit)
	select {
	case <-c.workerDone:
	case <-ctx.Done():
		return fmt.Errorf("coordinator: ingestion worker did not drain: %w", ctx.Err())
	}
	return nil
}
