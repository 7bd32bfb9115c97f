package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// It is the only notification path between the realtime channel, the
// outbox, the cache and UI consumers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Delivery is non-blocking: a subscriber with a full buffer misses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if strings.HasPrefix(evt.Kind, s.prefix) {
			select {
			case s.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers a subscriber for all events whose Kind starts with
// prefix. bufSize is the channel buffer. The returned func unsubscribes.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
