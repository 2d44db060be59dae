package emit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// called with a non-positive buffer.
const DefaultSubscriberBuffer = 64

// Bus fans events out to any number of subscribers. A subscriber that is
// not keeping up loses events instead of stalling publication.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	ch      chan Event
	filter  func(Event) bool
	dropped atomic.Uint64
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber. filter may be nil to receive every
// event. The returned cancel function unregisters the subscriber and closes
// its channel; it is safe to call more than once.
func (b *Bus) Subscribe(filter func(Event) bool, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			n := s.dropped.Add(1)
			slog.Warn("emit: subscriber too slow, event dropped",
				"stream", e.Stream, "seq", e.Seq, "dropped", n)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// StreamFilter returns a filter matching events of one stream.
func StreamFilter(stream string) func(Event) bool {
	return func(e Event) bool { return e.Stream == stream }
}
