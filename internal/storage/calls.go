package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mitoru-ai/mitoru/internal/model"
)

// CreateCall inserts a new pending call and returns it.
func (s *PostgresStore) CreateCall(ctx context.Context, spec model.CallSpec) (model.Call, error) {
	call := model.Call{
		ID:        uuid.New(),
		AgentName: spec.AgentName,
		InputData: spec.InputData,
		Status:    model.CallStatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  spec.Metadata,
	}
	if call.InputData == nil {
		call.InputData = map[string]any{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_calls (id, agent_name, input_data, status, created_at, metadata, total_thoughts, total_actions)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, 0)`,
		call.ID, call.AgentName, call.InputData, string(call.Status), call.CreatedAt, call.Metadata,
	)
	if err != nil {
		return model.Call{}, fmt.Errorf("storage: create call: %w", err)
	}
	return call, nil
}

const callColumns = `id, agent_name, input_data, status, created_at, started_at, completed_at, metadata, total_thoughts, total_actions, execution_time_ms`

func scanCall(row pgx.Row) (model.Call, error) {
	var c model.Call
	err := row.Scan(
		&c.ID, &c.AgentName, &c.InputData, &c.Status, &c.CreatedAt,
		&c.StartedAt, &c.CompletedAt, &c.Metadata, &c.TotalThoughts,
		&c.TotalActions, &c.ExecutionTimeMS,
	)
	return c, err
}

// GetCall retrieves a call by ID.
func (s *PostgresStore) GetCall(ctx context.Context, callID uuid.UUID) (model.Call, error) {
	call, err := scanCall(s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM agent_calls WHERE id = $1`, callID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Call{}, ErrNotFound
		}
		return model.Call{}, fmt.Errorf("storage: get call: %w", err)
	}
	return call, nil
}

// MarkStarted transitions a pending call to running and records the status
// change. Unknown ids and calls no longer pending are tolerated with a
// warning so a winding-down execution never fails the caller.
func (s *PostgresStore) MarkStarted(ctx context.Context, callID uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_calls SET status = 'running', started_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		callID, now,
	)
	if err != nil {
		return fmt.Errorf("storage: mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("storage: mark started on unknown or non-pending call", "call_id", callID)
		return nil
	}

	change := model.NewStatusChange(callID, model.CallStatusPending, model.CallStatusRunning)
	if err := s.insertEvent(ctx, change); err != nil {
		return err
	}
	s.bus.Publish(callID, change)
	return nil
}

// MarkDone stores the result, completes the call, and publishes the result
// followed by the terminal status change before closing subscriptions.
func (s *PostgresStore) MarkDone(ctx context.Context, callID uuid.UUID, result model.Result) error {
	stampEvent(&result.ID, &result.Timestamp)
	result.EventType = model.EventKindResult

	change, err := s.finishCallRetrying(ctx, callID, model.CallStatusCompleted, &result)
	if err != nil || change == nil {
		return err
	}

	s.bus.Publish(callID, &result)
	s.bus.Publish(callID, change)
	s.bus.CloseCall(callID)
	return nil
}

// MarkFailed stores the error event and fails the call, mirroring MarkDone.
func (s *PostgresStore) MarkFailed(ctx context.Context, callID uuid.UUID, errEvent model.ErrorEvent) error {
	stampEvent(&errEvent.ID, &errEvent.Timestamp)
	errEvent.EventType = model.EventKindError

	change, err := s.finishCallRetrying(ctx, callID, model.CallStatusFailed, &errEvent)
	if err != nil || change == nil {
		return err
	}

	s.bus.Publish(callID, &errEvent)
	s.bus.Publish(callID, change)
	s.bus.CloseCall(callID)
	return nil
}

// MarkCancelled transitions the call to cancelled. Only the status change
// is recorded; cancellation has no terminating payload.
func (s *PostgresStore) MarkCancelled(ctx context.Context, callID uuid.UUID) error {
	change, err := s.finishCallRetrying(ctx, callID, model.CallStatusCancelled, nil)
	if err != nil || change == nil {
		return err
	}

	s.bus.Publish(callID, change)
	s.bus.CloseCall(callID)
	return nil
}

// finishCallRetrying wraps finishCall with retries on serialization and
// deadlock errors; the terminal transaction takes a row lock that can
// collide with concurrent event appends.
func (s *PostgresStore) finishCallRetrying(ctx context.Context, callID uuid.UUID, status model.CallStatus, payload model.Event) (*model.StatusChange, error) {
	var change *model.StatusChange
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		change, err = s.finishCall(ctx, callID, status, payload)
		return err
	})
	return change, err
}

// finishCall applies a terminal transition in one transaction: lock the row,
// drop the transition if the call is unknown or already terminal, persist the
// optional terminating payload and the status change, update the summary.
// Returns the recorded status change, or nil when the transition was dropped.
func (s *PostgresStore) finishCall(ctx context.Context, callID uuid.UUID, status model.CallStatus, payload model.Event) (*model.StatusChange, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin finish tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var oldStatus model.CallStatus
	var startedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT status, started_at FROM agent_calls WHERE id = $1 FOR UPDATE`, callID,
	).Scan(&oldStatus, &startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("storage: terminal transition on unknown call",
				"call_id", callID, "status", status)
			return nil, nil
		}
		return nil, fmt.Errorf("storage: lock call: %w", err)
	}
	if oldStatus.IsTerminal() {
		s.logger.Warn("storage: terminal transition on terminal call, dropping",
			"call_id", callID, "old_status", oldStatus, "status", status)
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE agent_calls SET status = $2, completed_at = $3, execution_time_ms = $4
		 WHERE id = $1`,
		callID, string(status), now, executionTimeMS(startedAt, now),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: finish call: %w", err)
	}

	if payload != nil {
		if err := insertEventTx(ctx, tx, payload); err != nil {
			return nil, err
		}
	}
	change := model.NewStatusChange(callID, oldStatus, status)
	if err := insertEventTx(ctx, tx, change); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit finish tx: %w", err)
	}
	return change, nil
}

// ListCalls filters, sorts newest-first by creation time and paginates.
func (s *PostgresStore) ListCalls(ctx context.Context, req model.CallListRequest) (model.CallListResponse, error) {
	req.Normalize()

	where := `WHERE ($1 = '' OR agent_name = $1) AND ($2 = '' OR status = $2)`

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_calls `+where,
		req.AgentName, string(req.Status),
	).Scan(&total)
	if err != nil {
		return model.CallListResponse{}, fmt.Errorf("storage: count calls: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM agent_calls `+where+`
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		req.AgentName, string(req.Status), req.Limit, req.Offset,
	)
	if err != nil {
		return model.CallListResponse{}, fmt.Errorf("storage: list calls: %w", err)
	}
	defer rows.Close()

	calls := make([]model.Call, 0, req.Limit)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return model.CallListResponse{}, fmt.Errorf("storage: scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return model.CallListResponse{}, fmt.Errorf("storage: list calls: %w", err)
	}

	return model.CallListResponse{
		Calls:  calls,
		Total:  total,
		Offset: req.Offset,
		Limit:  req.Limit,
	}, nil
}

// Exists reports whether the call id is known.
func (s *PostgresStore) Exists(ctx context.Context, callID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_calls WHERE id = $1)`, callID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: exists: %w", err)
	}
	return exists, nil
}

// IsActive reports whether the call is pending or running.
func (s *PostgresStore) IsActive(ctx context.Context, callID uuid.UUID) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_calls WHERE id = $1 AND status IN ('pending', 'running'))`,
		callID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("storage: is active: %w", err)
	}
	return active, nil
}
