package iris

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and embedded setups.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event)}
}

// Publish fans the event out to every subscriber without blocking; full
// subscribers lose the event, matching the Redis bus.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber; the cancel function removes it.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}
