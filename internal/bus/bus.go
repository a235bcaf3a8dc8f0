package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Publish never blocks: an event is dropped for a subscriber whose buffer
// is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	onDrop func(kind string)
}

type subscription struct {
	namespace string
	ch        chan Event
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook installs fn to be called for every event dropped because a
// subscriber was full.
func WithDropHook(fn func(kind string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]*subscription),
		onDrop: func(string) {},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.onDrop(evt.Kind)
		}
	}
}

// Emit publishes payload under kind, stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
// An empty namespace receives everything.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
