// Package iris carries queue change events. Mutating operations publish
// small hint envelopes on a per-queue channel; dashboards and workers
// subscribe and refresh their own views. Delivery is best-effort.
package iris

import (
	"time"

	"github.com/acheron-mq/acheron/pkg/domain"
)

// Event types published on the change channel.
const (
	TypeEnqueue     = "enqueue"
	TypeAcknowledge = "acknowledge"
	TypeDelete      = "delete"
	TypeUpdate      = "update"
	TypeMove        = "move"
	TypeMoveToDLQ   = "move_to_dlq"
	TypeRequeue     = "requeue"
)

// batchInlineLimit is the largest enqueue batch whose messages are
// inlined into the event; larger batches tell subscribers to refresh.
const batchInlineLimit = 50

// Event is the envelope published on a queue's change channel. The
// timestamp is in milliseconds.
type Event struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func newEvent(eventType string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// EnqueueEvent describes newly enqueued messages. A single message is
// inlined as "message", small batches as "messages", and large batches
// collapse to a force_refresh hint.
func EnqueueEvent(msgs []*domain.Message) Event {
	payload := map[string]any{"count": len(msgs)}
	switch {
	case len(msgs) == 1:
		payload["message"] = msgs[0]
	case len(msgs) <= batchInlineLimit:
		payload["messages"] = msgs
	default:
		payload["force_refresh"] = true
	}
	return newEvent(TypeEnqueue, payload)
}

// AckEvent describes one acknowledged message.
func AckEvent(id string) Event {
	return newEvent(TypeAcknowledge, map[string]any{"id": id})
}

// DeleteEvent describes one message removed from a queue.
func DeleteEvent(id, queue string) Event {
	return newEvent(TypeDelete, map[string]any{"id": id, "queue": queue})
}

// BulkDeleteEvent describes several messages removed at once.
func BulkDeleteEvent(ids []string) Event {
	return newEvent(TypeDelete, map[string]any{"ids": ids, "count": len(ids)})
}

// ClearEvent describes a whole queue being emptied.
func ClearEvent(queue string, count int) Event {
	return newEvent(TypeDelete, map[string]any{"queue": queue, "count": count})
}

// UpdateEvent describes an edited message and the fields that changed.
func UpdateEvent(id, queue string, updates map[string]any) Event {
	return newEvent(TypeUpdate, map[string]any{"id": id, "queue": queue, "updates": updates})
}

// MoveEvent describes messages moved between queues.
func MoveEvent(from, to string, count int) Event {
	return newEvent(TypeMove, map[string]any{"from": from, "to": to, "count": count})
}

// DLQEvent describes messages diverted to the dead-letter stream by the
// reclaimer.
func DLQEvent(count int) Event {
	return newEvent(TypeMoveToDLQ, map[string]any{"count": count})
}

// RequeueEvent describes expired messages returned to their bands.
func RequeueEvent(count int) Event {
	return newEvent(TypeRequeue, map[string]any{"count": count})
}
