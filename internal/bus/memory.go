package bus

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process PubSub used when no NATS URL is configured and
// in tests that run several gateways in one process. Delivery is synchronous
// and in publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	topic   string
	handler Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, env Envelope) error {
	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subs {
		if topicMatches(sub.topic, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{topic: topic, handler: h}

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]*memorySub)
	b.closed = true
	b.mu.Unlock()
	return nil
}

// topicMatches supports a trailing "*" wildcard on the subscription's last
// segment, mirroring the NATS subject mapping.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
