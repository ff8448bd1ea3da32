package acheron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
)

// MemoryQueue is an in-memory implementation of Queue for tests and
// embedded workers. It mirrors the broker's delivery contract: strict
// priority between bands, FIFO inside a band, attempt counting and
// lock-gated acks.
type MemoryQueue struct {
	mu          sync.Mutex
	levels      int
	bands       [][]*domain.Message
	processing  map[string]*domain.Message
	nextReceipt int
}

// NewMemoryQueue creates an empty queue with the given number of bands.
func NewMemoryQueue(levels int) *MemoryQueue {
	if levels < 1 {
		levels = phlegethon.DefaultPriorityLevels
	}
	return &MemoryQueue{
		levels:     levels,
		bands:      make([][]*domain.Message, levels),
		processing: make(map[string]*domain.Message),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.ID == "" {
		msg.ID = domain.NewMessageID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = domain.UnixSeconds(time.Now())
	}
	if msg.Priority < 0 {
		msg.Priority = 0
	}
	if msg.Priority >= q.levels {
		msg.Priority = q.levels - 1
	}
	q.bands[msg.Priority] = append(q.bands[msg.Priority], msg.Clone())
	return msg, nil
}

// Dequeue polls the bands highest-priority first until a message appears
// or the timeout passes. Polling keeps the implementation honest about
// context cancellation, which sync.Cond cannot observe.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		msg := q.pop()
		q.mu.Unlock()
		if msg != nil {
			return msg, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) pop() *domain.Message {
	for p := q.levels - 1; p >= 0; p-- {
		if len(q.bands[p]) == 0 {
			continue
		}
		msg := q.bands[p][0]
		q.bands[p] = q.bands[p][1:]

		q.nextReceipt++
		msg.AttemptCount++
		msg.DequeuedAt = domain.UnixSeconds(time.Now())
		msg.StreamID = fmt.Sprintf("mem-%d", q.nextReceipt)
		msg.StreamName = fmt.Sprintf("band-%d", p)
		q.processing[msg.ID] = msg
		return msg.Clone()
	}
	return nil
}

func (q *MemoryQueue) Ack(ctx context.Context, msg *domain.Message) error {
	if !msg.HasLock() {
		return domain.ErrMissingLock
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, msg.ID)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, msg *domain.Message, reason string) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("%w: message has no id", domain.ErrNotFound)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if held, ok := q.processing[msg.ID]; ok {
		held.LastError = reason
	}
	return nil
}

// Requeue returns a failed message to its band, clearing its lock. Tests
// use it to drive retry flows without a reclaimer.
func (q *MemoryQueue) Requeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.processing[id]
	if !ok {
		return false
	}
	delete(q.processing, id)
	q.bands[msg.Priority] = append(q.bands[msg.Priority], msg.WithoutLock())
	return true
}

// Processing returns the currently claimed messages.
func (q *MemoryQueue) Processing() []*domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.Message, 0, len(q.processing))
	for _, msg := range q.processing {
		out = append(out, msg.Clone())
	}
	return out
}

// Len counts messages waiting across all bands.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}
