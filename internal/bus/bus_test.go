package bus

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitoru-ai/mitoru/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, stream <-chan model.Event, want int) []model.Event {
	t.Helper()
	var events []model.Event
	timeout := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case event, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), want)
		}
	}
	return events
}

func TestPublishFanOut(t *testing.T) {
	b := New(testLogger(), 8)
	callID := uuid.New()

	ch1 := b.register(callID)
	ch2 := b.register(callID)

	thought := &model.Thought{ID: uuid.New(), CallID: callID, Timestamp: time.Now().UTC()}
	b.Publish(callID, thought)

	for _, ch := range []chan model.Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Same(t, thought, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New(testLogger(), 1)
	callID := uuid.New()

	ch := b.register(callID)

	// Fill the buffer, then publish again: the second push must be dropped
	// without blocking.
	b.Publish(callID, &model.Thought{CallID: callID, Sequence: 0})

	done := make(chan struct{})
	go func() {
		b.Publish(callID, &model.Thought{CallID: callID, Sequence: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	first := (<-ch).(*model.Thought)
	assert.Equal(t, 0, first.Sequence)
	select {
	case ev := <-ch:
		t.Fatalf("expected dropped event, got %v", ev)
	default:
	}
}

func TestPublishToUnknownCallIsNoop(t *testing.T) {
	b := New(testLogger(), 8)
	b.Publish(uuid.New(), &model.Thought{}) // must not panic or block
}

func TestSubscribeReplaysHistoryThenClosesWhenTerminal(t *testing.T) {
	b := New(testLogger(), 8)
	callID := uuid.New()

	history := []model.Event{
		&model.Thought{CallID: callID, Sequence: 0},
		&model.Result{CallID: callID, Success: true},
		model.NewStatusChange(callID, model.CallStatusRunning, model.CallStatusCompleted),
	}

	stream := b.Subscribe(context.Background(), callID, history, true, nil)
	events := collect(t, stream, 3)
	require.Len(t, events, 3)

	// No live channel may be registered: a late publish must go nowhere and
	// the stream must already be closed.
	assert.Equal(t, 0, b.Subscribers(callID))
	b.Publish(callID, &model.Thought{CallID: callID, Sequence: 1})

	_, ok := <-stream
	assert.False(t, ok, "stream should be closed after terminal replay")
}

func TestSubscribeRelaysLiveEventsUntilCloseSentinel(t *testing.T) {
	b := New(testLogger(), 8)
	callID := uuid.New()

	history := []model.Event{&model.Thought{CallID: callID, Sequence: 0}}
	stream := b.Subscribe(context.Background(), callID, history, false, nil)

	// Replay first.
	replayed := collect(t, stream, 1)
	assert.Equal(t, model.EventKindThought, replayed[0].Kind())

	// Wait for the live channel to register before publishing.
	require.Eventually(t, func() bool { return b.Subscribers(callID) == 1 },
		time.Second, 5*time.Millisecond)

	live := &model.Action{CallID: callID, Sequence: 0, ToolName: "search"}
	b.Publish(callID, live)
	got := collect(t, stream, 1)
	assert.Same(t, live, got[0])

	b.CloseCall(callID)
	_, ok := <-stream
	assert.False(t, ok, "close sentinel must end the stream")
	assert.Equal(t, 0, b.Subscribers(callID))
}

func TestSubscribeEndsOnTerminalStatusChange(t *testing.T) {
	b := New(testLogger(), 8)
	callID := uuid.New()

	stream := b.Subscribe(context.Background(), callID, nil, false, nil)
	require.Eventually(t, func() bool { return b.Subscribers(callID) == 1 },
		time.Second, 5*time.Millisecond)

	b.Publish(callID, model.NewStatusChange(callID, model.CallStatusRunning, model.CallStatusFailed))

	got := collect(t, stream, 1)
	sc := got[0].(*model.StatusChange)
	assert.Equal(t, model.CallStatusFailed, sc.NewStatus)

	_, ok := <-stream
	assert.False(t, ok, "terminal status change must end the stream without CloseCall")

	// The relay goroutine deregisters itself on exit.
	require.Eventually(t, func() bool { return b.Subscribers(callID) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestSubscribeEndsWhenCallWentTerminalBeforeRegistration(t *testing.T) {
	b := New(testLogger(), 8)
	callID := uuid.New()

	// The call completed between the caller's status snapshot and the relay
	// registering its channel, so CloseCall has nothing to close. The
	// liveness probe must end the stream instead of leaving it hanging.
	b.CloseCall(callID)

	history := []model.Event{&model.Thought{CallID: callID, Sequence: 0}}
	stillActive := func(context.Context) bool { return false }

	stream := b.Subscribe(context.Background(), callID, history, false, stillActive)
	events := collect(t, stream, 1)
	require.Len(t, events, 1)

	select {
	case _, ok := <-stream:
		assert.False(t, ok, "stream should close after the liveness probe")
	case <-time.After(2 * time.Second):
		t.Fatal("stream never closed for a terminal call")
	}
	require.Eventually(t, func() bool { return b.Subscribers(callID) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestSubscribeConsumerCancellation(t *testing.T) {
	b := New(testLogger(), 8)
	callID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	stream := b.Subscribe(ctx, callID, nil, false, nil)
	require.Eventually(t, func() bool { return b.Subscribers(callID) == 1 },
		time.Second, 5*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool { return b.Subscribers(callID) == 0 },
		time.Second, 5*time.Millisecond)
	_, ok := <-stream
	assert.False(t, ok)

	// Publishing after teardown must not block or panic.
	b.Publish(callID, &model.Thought{CallID: callID})
}
