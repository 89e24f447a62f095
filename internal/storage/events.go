package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mitoru-ai/mitoru/internal/model"
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// eventID extracts the id of any concrete event type.
func eventID(e model.Event) uuid.UUID {
	switch ev := e.(type) {
	case *model.Thought:
		return ev.ID
	case *model.Action:
		return ev.ID
	case *model.Result:
		return ev.ID
	case *model.ErrorEvent:
		return ev.ID
	case *model.StatusChange:
		return ev.ID
	}
	return uuid.Nil
}

// insertEventTx persists one event within q. The full typed event is stored
// as a JSONB payload next to its kind discriminator.
func insertEventTx(ctx context.Context, q execer, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO call_events (id, call_id, event_type, occurred_at, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		eventID(event), event.Call(), string(event.Kind()), event.OccurredAt(), payload,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertEvent(ctx context.Context, event model.Event) error {
	return insertEventTx(ctx, s.pool, event)
}

// AppendThought assigns the next thought sequence number atomically with the
// summary counter, persists the event and publishes it. Unknown ids warn
// and drop.
func (s *PostgresStore) AppendThought(ctx context.Context, callID uuid.UUID, thought model.Thought) error {
	stampEvent(&thought.ID, &thought.Timestamp)
	thought.EventType = model.EventKindThought

	appended, err := s.appendSequenced(ctx, callID, "total_thoughts", &thought.Sequence, &thought)
	if err != nil {
		return fmt.Errorf("storage: append thought: %w", err)
	}
	if !appended {
		s.logger.Warn("storage: append thought on unknown or terminal call, dropping",
			"call_id", callID)
		return nil
	}

	s.bus.Publish(callID, &thought)
	return nil
}

// AppendAction is the action counterpart of AppendThought.
func (s *PostgresStore) AppendAction(ctx context.Context, callID uuid.UUID, action model.Action) error {
	stampEvent(&action.ID, &action.Timestamp)
	action.EventType = model.EventKindAction

	appended, err := s.appendSequenced(ctx, callID, "total_actions", &action.Sequence, &action)
	if err != nil {
		return fmt.Errorf("storage: append action: %w", err)
	}
	if !appended {
		s.logger.Warn("storage: append action on unknown or terminal call, dropping",
			"call_id", callID)
		return nil
	}

	s.bus.Publish(callID, &action)
	return nil
}

// appendSequenced bumps the named counter on the call row and stores the
// event in one transaction. The pre-increment counter value becomes the
// event's sequence number, written through seq before the payload is
// encoded. Returns false when the call does not exist or has already
// reached a terminal status; terminal calls accept no further events.
func (s *PostgresStore) appendSequenced(ctx context.Context, callID uuid.UUID, counter string, seq *int, event model.Event) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// counter is one of two compile-time constants, never caller input.
	var next int
	err = tx.QueryRow(ctx,
		`UPDATE agent_calls SET `+counter+` = `+counter+` + 1
		 WHERE id = $1 AND status IN ('pending', 'running')
		 RETURNING `+counter+` - 1`,
		callID,
	).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("bump %s: %w", counter, err)
	}
	*seq = next

	if err := insertEventTx(ctx, tx, event); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit append tx: %w", err)
	}
	return true, nil
}

// GetEvents returns the call's history ordered by (timestamp, iteration).
func (s *PostgresStore) GetEvents(ctx context.Context, callID uuid.UUID) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, payload FROM call_events
		 WHERE call_id = $1 ORDER BY occurred_at ASC, seq ASC`, callID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var kind model.EventKind
		var payload []byte
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		event, err := model.DecodeEvent(kind, payload)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get events: %w", err)
	}

	model.SortEvents(events)
	return events, nil
}

// Subscribe replays stored history and relays live events via the bus.
func (s *PostgresStore) Subscribe(ctx context.Context, callID uuid.UUID) (<-chan model.Event, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("storage: subscribe to unknown call", "call_id", callID)
			return closedEventStream(), nil
		}
		return nil, err
	}

	history, err := s.GetEvents(ctx, callID)
	if err != nil {
		return nil, err
	}

	return s.bus.Subscribe(ctx, callID, history, call.Status.IsTerminal(), func(ctx context.Context) bool {
		active, err := s.IsActive(ctx, callID)
		// A failed status probe keeps the stream open; the close sentinel
		// or the consumer's context still end it.
		return err != nil || active
	}), nil
}
