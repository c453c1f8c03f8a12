// Package bus provides an in-process topic pub/sub bus for the module runtime.
package bus

import (
	"log/slog"
	"sync"

	"starlinker/internal/logging"
)

// Handler receives a published payload. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a thread-safe publish/subscribe event bus. A panicking handler is
// logged and skipped; the remaining handlers still receive the payload.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscription
	nextID uint64
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logging.Default(logger).With("component", "bus"),
	}
}

// Subscribe registers handler for topic and returns an unsubscribe func.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, sub := range list {
				if sub.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers payload to every subscriber of topic. The subscriber list
// is snapshotted under the lock; handlers run outside it, so a handler may
// subscribe or publish without deadlocking.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	list := b.subs[topic]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(topic, sub, payload)
	}
}

func (b *Bus) deliver(topic string, sub subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	sub.handler(payload)
}
