package moirai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/iris"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
)

// Update is the set of writable message fields for an edit. Nil fields
// are left unchanged.
type Update struct {
	Type              *string         `json:"type,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Priority          *int            `json:"priority,omitempty"`
	CustomAckTimeout  *float64        `json:"custom_ack_timeout,omitempty"`
	CustomMaxAttempts *int            `json:"custom_max_attempts,omitempty"`
}

// apply writes the set fields onto the message and returns what changed,
// keyed by wire field name.
func (u Update) apply(layout *phlegethon.Layout, msg *domain.Message) map[string]any {
	changes := map[string]any{}
	if u.Type != nil {
		msg.Type = *u.Type
		changes["type"] = *u.Type
	}
	if u.Payload != nil {
		msg.Payload = append(json.RawMessage(nil), u.Payload...)
		changes["payload"] = json.RawMessage(u.Payload)
	}
	if u.Priority != nil {
		msg.Priority = layout.Clamp(*u.Priority)
		changes["priority"] = msg.Priority
	}
	if u.CustomAckTimeout != nil {
		msg.CustomAckTimeout = u.CustomAckTimeout
		changes["custom_ack_timeout"] = *u.CustomAckTimeout
	}
	if u.CustomMaxAttempts != nil {
		msg.CustomMaxAttempts = u.CustomMaxAttempts
		changes["custom_max_attempts"] = *u.CustomMaxAttempts
	}
	return changes
}

// Editor applies manual field updates and deletions.
type Editor struct {
	Broker *acheron.Broker
	Logger hermes.Logger
}

func NewEditor(broker *acheron.Broker, logger hermes.Logger) *Editor {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Editor{Broker: broker, Logger: logger}
}

// Update edits a message in place. Waiting and dead messages accept any
// writable field; a message mid-delivery accepts only a new ack deadline,
// silently ignoring the rest; acknowledged history is immutable.
func (e *Editor) Update(ctx context.Context, id string, queue domain.QueueType, upd Update) (*domain.Message, error) {
	switch queue {
	case domain.QueueAcknowledged:
		return nil, fmt.Errorf("%w: acknowledged messages cannot be edited", domain.ErrConflict)
	case domain.QueueProcessing:
		return e.updateProcessing(ctx, id, upd)
	case domain.QueueMain, domain.QueueDead:
		return e.updateStream(ctx, id, queue, upd)
	default:
		return nil, fmt.Errorf("%w: unknown queue type %q", domain.ErrNotFound, queue)
	}
}

func (e *Editor) updateProcessing(ctx context.Context, id string, upd Update) (*domain.Message, error) {
	b := e.Broker
	located, err := locator{b}.find(ctx, domain.QueueProcessing, []string{id})
	if err != nil {
		return nil, err
	}
	f, ok := located[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not processing", domain.ErrNotFound, id)
	}

	// Only the ack deadline is adjustable while a delivery is in flight.
	if upd.CustomAckTimeout == nil {
		return f.msg, nil
	}
	if err := b.Meta.SetAckTimeout(ctx, id, *upd.CustomAckTimeout); err != nil {
		return nil, err
	}
	f.msg.CustomAckTimeout = upd.CustomAckTimeout

	b.Events.Emit(ctx, iris.UpdateEvent(id, string(domain.QueueProcessing), map[string]any{
		"custom_ack_timeout": *upd.CustomAckTimeout,
	}))
	e.Logger.Info(ctx, "ack timeout updated for in-flight message", map[string]any{
		"id":      id,
		"timeout": *upd.CustomAckTimeout,
	})
	return f.msg, nil
}

func (e *Editor) updateStream(ctx context.Context, id string, queue domain.QueueType, upd Update) (*domain.Message, error) {
	b := e.Broker
	located, err := locator{b}.find(ctx, queue, []string{id})
	if err != nil {
		return nil, err
	}
	f, ok := located[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in %s", domain.ErrNotFound, id, queue)
	}

	msg := f.msg.WithoutLock()
	changes := upd.apply(b.Layout, msg)
	if len(changes) == 0 {
		return msg, nil
	}

	// The entry is re-appended, so the message loses its place in line.
	// On main a priority change also re-routes it to the matching band.
	dest := f.stream
	if queue == domain.QueueMain {
		dest = b.Layout.Band(msg.Priority)
	}
	encoded, err := b.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if _, err := b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XDel(ctx, f.stream, f.entryID)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: dest, Values: map[string]any{"data": encoded}})
		return nil
	}); err != nil {
		return nil, err
	}

	// Keep custom policies visible to the reclaimer when a record exists.
	if upd.CustomAckTimeout != nil || upd.CustomMaxAttempts != nil {
		if meta, merr := b.Meta.Get(ctx, id); merr == nil && meta != nil {
			if upd.CustomAckTimeout != nil {
				meta.CustomAckTimeout = upd.CustomAckTimeout
			}
			if upd.CustomMaxAttempts != nil {
				meta.CustomMaxAttempts = upd.CustomMaxAttempts
			}
			if perr := b.Meta.Put(ctx, id, meta); perr != nil {
				e.Logger.Warn(ctx, "failed to update metadata record", map[string]any{
					"id":    id,
					"error": perr.Error(),
				})
			}
		}
	}

	b.Events.Emit(ctx, iris.UpdateEvent(id, string(queue), changes))
	e.Logger.Info(ctx, "message updated", map[string]any{
		"id":     id,
		"queue":  string(queue),
		"stream": dest,
	})
	return msg, nil
}

// Delete removes a single message from the given queue.
func (e *Editor) Delete(ctx context.Context, id string, queue domain.QueueType) error {
	located, err := locator{e.Broker}.find(ctx, queue, []string{id})
	if err != nil {
		return err
	}
	f, ok := located[id]
	if !ok {
		return fmt.Errorf("%w: %s is not in %s", domain.ErrNotFound, id, queue)
	}
	if err := e.removeAll(ctx, []*found{f}); err != nil {
		return err
	}

	e.Broker.Metrics.IncCounter("delete_total", 1)
	e.Broker.Events.Emit(ctx, iris.DeleteEvent(id, string(queue)))
	e.Logger.Info(ctx, "message deleted", map[string]any{
		"id":    id,
		"queue": string(queue),
	})
	return nil
}

// DeleteBulk removes every listed message it can find and reports the
// count. Ids absent from the queue are skipped.
func (e *Editor) DeleteBulk(ctx context.Context, ids []string, queue domain.QueueType) (int, error) {
	ordered := dedup(ids)
	if len(ordered) == 0 {
		return 0, nil
	}
	located, err := locator{e.Broker}.find(ctx, queue, ordered)
	if err != nil {
		return 0, err
	}
	targets := make([]*found, 0, len(located))
	removed := make([]string, 0, len(located))
	for _, id := range ordered {
		if f, ok := located[id]; ok {
			targets = append(targets, f)
			removed = append(removed, id)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}
	if err := e.removeAll(ctx, targets); err != nil {
		return 0, err
	}

	e.Broker.Metrics.IncCounter("delete_total", float64(len(removed)))
	e.Broker.Events.Emit(ctx, iris.BulkDeleteEvent(removed))
	e.Logger.Info(ctx, "messages deleted", map[string]any{
		"queue":     string(queue),
		"requested": len(ordered),
		"deleted":   len(removed),
	})
	return len(removed), nil
}

// removeAll settles and deletes the located entries and purges their
// metadata records in a single pipeline.
func (e *Editor) removeAll(ctx context.Context, targets []*found) error {
	b := e.Broker
	_, err := b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range targets {
			if f.grouped {
				pipe.XAck(ctx, f.stream, b.Group, f.entryID)
			}
			pipe.XDel(ctx, f.stream, f.entryID)
			pipe.HDel(ctx, b.Meta.Key(), f.msg.ID)
		}
		return nil
	})
	return err
}
