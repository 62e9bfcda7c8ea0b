package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus carries the sync core's change notifications to whoever cares: the
// gateway's event streams, tests, tooling. Subscribers pick a kind prefix
// ("history.", "dialog.unread", or "" for everything) and get their own
// buffered channel. Delivery is best effort; a subscriber that stops
// draining loses events rather than stalling the reconciler.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish fans the event out to every subscriber whose prefix matches its
// kind. Events without a timestamp are stamped here.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Slow consumer; drop rather than block the publisher.
			}
		}
	}
}

// Subscribe registers a consumer for events whose kind starts with prefix.
// depth sizes the consumer's buffer. The second return value unsubscribes.
func (b *Bus) Subscribe(prefix string, depth int) (<-chan Event, func()) {
	ch := make(chan Event, depth)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
