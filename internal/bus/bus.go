// Package bus fans out live call events to subscribers.
//
// The bus holds a set of bounded delivery channels per call. Publishers
// never block: a push to a full or missing channel is dropped, so a slow
// consumer can only lose its own live events, never stall the store.
// Closing a call's channels is the authoritative end-of-stream sentinel.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mitoru-ai/mitoru/internal/model"
)

// defaultCapacity is the per-subscriber channel buffer used when the
// configured capacity is not positive.
const defaultCapacity = 64

// Bus delivers historical and live events to observers of a call.
// It only reads history handed to it by the store and relays live pushes;
// it never mutates stored state.
type Bus struct {
	logger   *slog.Logger
	capacity int

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan model.Event]struct{}
}

// New creates a bus whose subscriber channels buffer capacity events.
func New(logger *slog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		logger:   logger,
		capacity: capacity,
		subs:     make(map[uuid.UUID]map[chan model.Event]struct{}),
	}
}

// Publish relays an event to every live subscriber of the call. Sends are
// non-blocking; subscribers with a full buffer lose the event.
func (b *Bus) Publish(callID uuid.UUID, event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[callID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("bus: subscriber buffer full, dropping event",
				"call_id", callID, "event_kind", event.Kind())
		}
	}
}

// CloseCall closes every live subscriber channel for the call and forgets
// them. Called by the store once the call reaches a terminal status.
func (b *Bus) CloseCall(callID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[callID] {
		close(ch)
	}
	delete(b.subs, callID)
}

// Subscribers returns the number of live delivery channels for a call.
func (b *Bus) Subscribers(callID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[callID])
}

func (b *Bus) register(callID uuid.UUID) chan model.Event {
	ch := make(chan model.Event, b.capacity)
	b.mu.Lock()
	if b.subs[callID] == nil {
		b.subs[callID] = make(map[chan model.Event]struct{})
	}
	b.subs[callID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// deregister removes a channel without closing it; only CloseCall closes,
// so a concurrent Publish can never hit a closed channel.
func (b *Bus) deregister(callID uuid.UUID, ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[callID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, callID)
		}
	}
}

// Subscribe returns a stream that replays history in order, then relays
// live events until the call terminates or ctx is cancelled. If terminal
// is true the stream ends right after replay and no live channel is
// registered.
//
// The live channel is registered after the history snapshot was taken, so
// an event landing in that window can appear in both the replay and the
// live stream, or in neither leg's live half. Consumers that need an exact
// history re-fetch it from the store; this tolerance is deliberate.
//
// stillActive guards the other edge of that window: if the call went
// terminal between the snapshot and registration, CloseCall has already
// run and the fresh channel would never receive its close sentinel. The
// relay consults stillActive once right after registering and ends the
// stream when the call is no longer live. A nil stillActive skips the
// check.
func (b *Bus) Subscribe(ctx context.Context, callID uuid.UUID, history []model.Event, terminal bool, stillActive func(context.Context) bool) <-chan model.Event {
	out := make(chan model.Event, len(history)+b.capacity)

	go func() {
		defer close(out)

		for _, event := range history {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}

		if terminal {
			return
		}

		ch := b.register(callID)
		defer b.deregister(callID, ch)

		if stillActive != nil && !stillActive(ctx) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					// Close sentinel from CloseCall.
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				// Belt and suspenders: a terminal status change also ends
				// the stream even if the close sentinel is delayed.
				if sc, ok := event.(*model.StatusChange); ok && sc.NewStatus.IsTerminal() {
					return
				}
			}
		}
	}()

	return out
}
