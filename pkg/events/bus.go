// Package events defines the notification seam between the admission
// subsystems and whatever fan-out transport the host process wires in.
// Publishing is fire-and-forget; delivery guarantees belong to the
// transport, not to this package.
package events

import (
	"log/slog"
	"sync"
)

// Publisher is the narrow interface the lease store, staging gate, and
// trust verifier publish through.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Handler receives events for a subscribed topic.
type Handler func(topic string, payload interface{})

// Bus is a minimal in-process publisher with per-topic subscribers. It is
// synchronous: handlers run on the publishing goroutine and must not block.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers h for topic. There is no unsubscribe; subscriber
// lifetime is process lifetime.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish implements Publisher.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

// Nop is a Publisher that drops everything, for tests and tooling that do
// not care about notifications.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(topic string, _ interface{}) {
	slog.Debug("event dropped", "topic", topic)
}
