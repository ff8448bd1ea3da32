package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trail is an in-memory, hash-chained record of manual queue mutations.
// It keeps at most capacity events; older ones are discarded, but the
// chain over the retained window stays verifiable.
type Trail struct {
	chain    *ChainManager
	capacity int

	mu       sync.Mutex
	events   []Event
	lastHash string
}

// NewTrail creates a Trail chained with the given secret key.
func NewTrail(secretKey []byte, capacity int) *Trail {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Trail{
		chain:    NewChainManager(secretKey),
		capacity: capacity,
	}
}

// Record assigns identity and chain position to the event and stores it.
func (t *Trail) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	event.PreviousHash = t.lastHash
	hash, err := t.chain.ComputeHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash
	t.lastHash = hash

	t.events = append(t.events, *event)
	if len(t.events) > t.capacity {
		t.events = t.events[len(t.events)-t.capacity:]
	}
	return nil
}

// Recent returns up to n most recent events in chronological order.
func (t *Trail) Recent(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.events) {
		n = len(t.events)
	}
	out := make([]Event, n)
	copy(out, t.events[len(t.events)-n:])
	return out
}

// Verify checks hash integrity and chain links across the retained window.
func (t *Trail) Verify() error {
	t.mu.Lock()
	events := make([]Event, len(t.events))
	copy(events, t.events)
	t.mu.Unlock()

	return t.chain.VerifyChain(events)
}
