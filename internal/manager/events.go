package manager

import (
	"sync"

	"livefabric/internal/core/domain"
)

// eventBuffer is the per-observer channel depth; an observer that stalls
// longer than this drops events rather than block emission.
const eventBuffer = 16

type busSubscriber struct {
	ch  chan domain.Event
	ids map[domain.StreamID]struct{} // empty means all streams
}

// Bus is the process-wide lifecycle event fanout consumed by SSE,
// websocket and webhook collaborators. Emission never blocks; cancellation
// unregisters the observer without racing emission.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*busSubscriber
	nextID int
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*busSubscriber)}
}

// Publish fans the event out to every matching observer.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.ids) > 0 && e.StreamID != "" {
			if _, ok := sub.ids[e.StreamID]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers an observer, optionally filtered to stream ids.
// The returned cancel closes the channel and unregisters; it is safe to
// call while events are being published.
func (b *Bus) Subscribe(ids []domain.StreamID) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &busSubscriber{
		ch:  make(chan domain.Event, eventBuffer),
		ids: make(map[domain.StreamID]struct{}, len(ids)),
	}
	for _, id := range ids {
		sub.ids[id] = struct{}{}
	}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Close drops all observers. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
