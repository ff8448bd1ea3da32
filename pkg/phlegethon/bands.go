// Package phlegethon maps a logical queue onto its concrete Redis key
// layout: one stream per priority band plus the manual, dead-letter and
// acknowledged-history streams, the metadata hash and the coordination
// keys that hang off the queue name.
package phlegethon

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPriorityLevels is the number of priority bands a queue carries
// when no override is configured.
const DefaultPriorityLevels = 10

// Layout describes the key namespace of one logical queue.
type Layout struct {
	queue  string
	levels int
}

// NewLayout creates a Layout for the named queue with the given number of
// priority levels. Levels below 1 fall back to DefaultPriorityLevels.
func NewLayout(queue string, levels int) *Layout {
	if levels < 1 {
		levels = DefaultPriorityLevels
	}
	return &Layout{queue: queue, levels: levels}
}

// Queue returns the logical queue name the layout was built from.
func (l *Layout) Queue() string {
	return l.queue
}

// Levels returns the number of priority bands.
func (l *Layout) Levels() int {
	return l.levels
}

// Clamp forces a priority into the valid range [0, levels-1].
func (l *Layout) Clamp(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= l.levels {
		return l.levels - 1
	}
	return priority
}

// Band returns the stream key for a priority band. Priority 0 is the bare
// queue name; higher priorities get a _p<k> suffix.
func (l *Layout) Band(priority int) string {
	priority = l.Clamp(priority)
	if priority == 0 {
		return l.queue
	}
	return fmt.Sprintf("%s_p%d", l.queue, priority)
}

// Bands returns every priority band stream, lowest priority first.
func (l *Layout) Bands() []string {
	out := make([]string, 0, l.levels)
	for p := 0; p < l.levels; p++ {
		out = append(out, l.Band(p))
	}
	return out
}

// DequeueOrder returns the streams a consumer reads, in consultation
// order: the manual stream first, then priority bands highest first.
func (l *Layout) DequeueOrder() []string {
	out := make([]string, 0, l.levels+1)
	out = append(out, l.Manual())
	for p := l.levels - 1; p >= 0; p-- {
		out = append(out, l.Band(p))
	}
	return out
}

// PendingStreams returns every stream whose consumer-group pending lists
// together form the processing queue.
func (l *Layout) PendingStreams() []string {
	return l.DequeueOrder()
}

// Manual returns the stream for operator-staged messages. It is consulted
// before any priority band on dequeue.
func (l *Layout) Manual() string {
	return l.queue + "_manual"
}

// DLQ returns the dead-letter stream.
func (l *Layout) DLQ() string {
	return l.queue + "_dlq"
}

// AckHistory returns the bounded stream of acknowledged messages.
func (l *Layout) AckHistory() string {
	return l.queue + "_acknowledged"
}

// MetadataKey returns the hash holding per-message delivery state.
func (l *Layout) MetadataKey() string {
	return l.queue + "_metadata"
}

// TotalAckedKey returns the counter of lifetime acknowledgements.
func (l *Layout) TotalAckedKey() string {
	return l.queue + "_total_acked"
}

// ReclaimLockKey returns the lease key serializing reclaim sweeps.
func (l *Layout) ReclaimLockKey() string {
	return l.queue + "_reclaim_lock"
}

// EventsChannel returns the pub/sub channel for queue change events.
func (l *Layout) EventsChannel() string {
	return l.queue + "_events"
}

// DefaultGroup returns the consumer group name derived from the queue.
func (l *Layout) DefaultGroup() string {
	return l.queue + "_workers"
}

// Contains reports whether the stream belongs to this queue's namespace:
// a priority band, the manual stream, the DLQ or the ack history.
func (l *Layout) Contains(stream string) bool {
	switch stream {
	case l.queue, l.Manual(), l.DLQ(), l.AckHistory():
		return true
	}
	return l.BandPriority(stream) > 0
}

// BandPriority returns the priority of a band stream, or -1 when the
// stream is not one of this queue's priority bands.
func (l *Layout) BandPriority(stream string) int {
	if stream == l.queue {
		return 0
	}
	if !strings.HasPrefix(stream, l.queue+"_p") {
		return -1
	}
	p, err := strconv.Atoi(strings.TrimPrefix(stream, l.queue+"_p"))
	if err != nil || p < 1 || p >= l.levels {
		return -1
	}
	return p
}

// AllKeys returns every key the queue can own, for bulk deletion.
func (l *Layout) AllKeys() []string {
	keys := l.Bands()
	keys = append(keys,
		l.Manual(),
		l.DLQ(),
		l.AckHistory(),
		l.MetadataKey(),
		l.TotalAckedKey(),
		l.ReclaimLockKey(),
	)
	return keys
}
