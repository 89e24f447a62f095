// Package storage persists call summaries and their ordered event history.
//
// Two backends satisfy the same Store contract: a transient in-memory map
// (MemoryStore) and Postgres (PostgresStore). Both assign per-call,
// per-kind sequence numbers at append time, publish every stored event to
// the subscription bus after the write lands, and close the call's live
// subscriptions when it reaches a terminal status.
//
// Lifecycle writes against an unknown call id are tolerated as logged
// no-ops rather than errors: the coordinator and the bus may race with
// store writes during shutdown. Callers that need existence guarantees
// use Exists or GetCall first.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mitoru-ai/mitoru/internal/model"
)

// Store is the backend-agnostic contract for call persistence.
type Store interface {
	// CreateCall allocates a new id, persists the call in status pending
	// and returns the summary.
	CreateCall(ctx context.Context, spec model.CallSpec) (model.Call, error)

	// GetCall returns the call summary, or ErrNotFound.
	GetCall(ctx context.Context, callID uuid.UUID) (model.Call, error)

	// MarkStarted transitions pending to running, sets started_at and
	// stores a status change event.
	MarkStarted(ctx context.Context, callID uuid.UUID) error

	// AppendThought assigns the next thought sequence number, bumps the
	// call's thought counter, persists and publishes the event.
	AppendThought(ctx context.Context, callID uuid.UUID, thought model.Thought) error

	// AppendAction is the action-event counterpart of AppendThought.
	AppendAction(ctx context.Context, callID uuid.UUID, action model.Action) error

	// MarkDone stores the result event, transitions to completed with a
	// computed execution time, publishes the result then the status
	// change, and closes the call's subscriptions.
	MarkDone(ctx context.Context, callID uuid.UUID, result model.Result) error

	// MarkFailed is symmetric to MarkDone with target status failed.
	MarkFailed(ctx context.Context, callID uuid.UUID, errEvent model.ErrorEvent) error

	// MarkCancelled transitions to cancelled. No terminating result or
	// error event exists for cancellation; only the status change is
	// stored and published.
	MarkCancelled(ctx context.Context, callID uuid.UUID) error

	// ListCalls filters, sorts by created_at descending and paginates.
	// The returned total reflects the filtered count.
	ListCalls(ctx context.Context, req model.CallListRequest) (model.CallListResponse, error)

	// GetEvents returns the full history ordered by (timestamp, iteration).
	GetEvents(ctx context.Context, callID uuid.UUID) ([]model.Event, error)

	// Exists reports whether the call id is known.
	Exists(ctx context.Context, callID uuid.UUID) (bool, error)

	// IsActive reports whether the call is pending or running.
	IsActive(ctx context.Context, callID uuid.UUID) (bool, error)

	// Subscribe replays the stored history and then streams live events
	// until the call terminates or ctx is cancelled. Subscribing to an
	// unknown call yields an empty, already-closed stream.
	Subscribe(ctx context.Context, callID uuid.UUID) (<-chan model.Event, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context)
}

// closedEventStream returns an empty stream that is already closed.
func closedEventStream() <-chan model.Event {
	ch := make(chan model.Event)
	close(ch)
	return ch
}

// executionTimeMS computes the elapsed wall time in whole milliseconds, or
// nil when the call never started.
func executionTimeMS(started *time.Time, completed time.Time) *int64 {
	if started == nil {
		return nil
	}
	ms := completed.Sub(*started).Milliseconds()
	return &ms
}
