// Package acheron implements the broker core: a durable, priority-aware
// message queue over Redis streams. Each queue is a family of streams
// (one per priority band plus manual, dead-letter and history streams),
// a metadata hash and a handful of counters, all addressed through the
// styx substrate.
package acheron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hades"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/hypnos"
	"github.com/acheron-mq/acheron/pkg/iris"
	"github.com/acheron-mq/acheron/pkg/obol"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
	"github.com/acheron-mq/acheron/pkg/styx"
)

// Defaults applied by New when the matching field is left zero.
const (
	DefaultAckTimeout    = 300.0
	DefaultMaxAttempts   = 3
	DefaultMaxAckHistory = 1000
)

// Broker is the central coordinator. Collaborator fields are exported and
// may be replaced after New, before the broker is used.
type Broker struct {
	Sub     *styx.Substrate
	Codec   *obol.Codec
	Layout  *phlegethon.Layout
	Meta    *hades.Store
	Events  iris.Emitter
	Logger  hermes.Logger
	Metrics hermes.Metrics
	Stats   *ProcessStats

	// Consumer-group identity. Consumer must be unique per process.
	Group    string
	Consumer string

	// Delivery policy defaults, overridable per message.
	AckTimeout    float64
	MaxAttempts   int
	MaxAckHistory int64
}

// New wires a Broker over the given substrate, codec and queue layout.
func New(sub *styx.Substrate, codec *obol.Codec, layout *phlegethon.Layout, logger hermes.Logger) *Broker {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Broker{
		Sub:           sub,
		Codec:         codec,
		Layout:        layout,
		Meta:          hades.NewStore(sub, layout.MetadataKey()),
		Logger:        logger,
		Metrics:       hermes.NewNoopMetrics(),
		Stats:         NewProcessStats(),
		Group:         layout.DefaultGroup(),
		Consumer:      "consumer-" + uuid.New().String()[:8],
		AckTimeout:    DefaultAckTimeout,
		MaxAttempts:   DefaultMaxAttempts,
		MaxAckHistory: DefaultMaxAckHistory,
	}
}

// Enqueue appends the message to the band matching its priority. Identity
// and creation time are assigned when absent; priority is clamped into
// the configured range.
func (b *Broker) Enqueue(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	stored, err := b.enqueueInto(ctx, b.Layout, msg)
	if err != nil {
		return nil, err
	}
	b.Events.Emit(ctx, iris.EnqueueEvent([]*domain.Message{stored}))
	return stored, nil
}

// EnqueueTo appends to a queue with a different stream prefix, deriving
// its band layout on the fly. The broker's own queue name routes through
// the normal path.
func (b *Broker) EnqueueTo(ctx context.Context, queue string, msg *domain.Message) (*domain.Message, error) {
	stored, err := b.enqueueInto(ctx, b.LayoutFor(queue), msg)
	if err != nil {
		return nil, err
	}
	b.Events.Emit(ctx, iris.EnqueueEvent([]*domain.Message{stored}))
	return stored, nil
}

// EnqueueBatch appends many messages in one pipeline, preserving input
// order within each band.
func (b *Broker) EnqueueBatch(ctx context.Context, msgs []*domain.Message) ([]*domain.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	entries := make([]styx.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		b.prepare(msg, b.Layout)
		encoded, err := b.Codec.Encode(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
		}
		entries = append(entries, styx.StreamEntry{
			Stream: b.Layout.Band(msg.Priority),
			Values: map[string]any{"data": encoded},
		})
	}
	if _, err := b.Sub.AppendBatch(ctx, entries); err != nil {
		return nil, err
	}

	b.Stats.Enqueued.Add(int64(len(msgs)))
	for _, msg := range msgs {
		b.Metrics.IncCounter("enqueue_total", 1, hermes.Label{Key: "stream", Value: b.Layout.Band(msg.Priority)})
	}
	b.Logger.Info(ctx, "batch enqueued", map[string]any{"count": len(msgs)})
	b.Events.Emit(ctx, iris.EnqueueEvent(msgs))
	return msgs, nil
}

// LayoutFor resolves a queue name to a layout, reusing the broker's own
// layout for its configured queue.
func (b *Broker) LayoutFor(queue string) *phlegethon.Layout {
	if queue == "" || queue == b.Layout.Queue() {
		return b.Layout
	}
	return phlegethon.NewLayout(queue, b.Layout.Levels())
}

func (b *Broker) enqueueInto(ctx context.Context, layout *phlegethon.Layout, msg *domain.Message) (*domain.Message, error) {
	b.prepare(msg, layout)
	encoded, err := b.Codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}

	stream := layout.Band(msg.Priority)
	if _, err := b.Sub.Append(ctx, stream, map[string]any{"data": encoded}); err != nil {
		return nil, err
	}

	b.Stats.Enqueued.Add(1)
	b.Metrics.IncCounter("enqueue_total", 1, hermes.Label{Key: "stream", Value: stream})
	b.Logger.Info(ctx, "message enqueued", map[string]any{
		"id":       msg.ID,
		"type":     msg.Type,
		"priority": msg.Priority,
		"stream":   stream,
	})
	return msg, nil
}

func (b *Broker) prepare(msg *domain.Message, layout *phlegethon.Layout) {
	if msg.ID == "" {
		msg.ID = domain.NewMessageID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = domain.UnixSeconds(time.Now())
	}
	msg.Priority = layout.Clamp(msg.Priority)
}

// Dequeue returns the next message, waiting up to timeout. The manual
// stream is consulted first, then bands from highest priority down. A
// zero or negative timeout polls every stream once. Expiry returns nil
// without error.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Message, error) {
	return b.DequeueWithOptions(ctx, timeout, nil)
}

// DequeueWithOptions additionally overrides the ack timeout recorded for
// the claimed message.
func (b *Broker) DequeueWithOptions(ctx context.Context, timeout time.Duration, ackTimeout *float64) (*domain.Message, error) {
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithDeadline(ctx, time.Now().Add(timeout))
		defer cancel()
	}

	backoff := hypnos.NewBackoff(hypnos.DefaultMinSleep, hypnos.DefaultMaxSleep)
	for {
		for _, stream := range b.Layout.DequeueOrder() {
			msg, err := b.readStream(ctx, stream, ackTimeout)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
		}
		if timeout <= 0 {
			return nil, nil
		}
		if err := backoff.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Wall-clock timeout expired with nothing to deliver.
			return nil, nil
		}
	}
}

func (b *Broker) readStream(ctx context.Context, stream string, ackTimeout *float64) (*domain.Message, error) {
	for {
		entries, err := b.Sub.GroupRead(ctx, b.Group, b.Consumer, stream, 1)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, nil
		}
		entry := entries[0]

		raw, ok := entry.Values["data"].(string)
		if !ok {
			b.discardPoison(ctx, stream, entry.ID, "missing data field")
			continue
		}
		msg, err := b.Codec.Decode(raw)
		if err != nil {
			b.discardPoison(ctx, stream, entry.ID, err.Error())
			continue
		}
		return b.Claim(ctx, msg, stream, entry.ID, ackTimeout)
	}
}

// Claim records a delivery in the metadata hash and stamps the envelope
// with its stream lock and attempt count. The pristine body is snapshotted
// into the record on first claim so later transitions can restore it.
func (b *Broker) Claim(ctx context.Context, msg *domain.Message, stream, entryID string, ackTimeout *float64) (*domain.Message, error) {
	now := domain.UnixSeconds(time.Now())

	meta, err := b.Meta.Get(ctx, msg.ID)
	if err != nil {
		b.Logger.Warn(ctx, "failed to read metadata, starting fresh", map[string]any{
			"id":    msg.ID,
			"error": err.Error(),
		})
		meta = nil
	}
	if meta == nil {
		meta = &domain.Meta{CreatedAt: msg.CreatedAt}
	}
	meta.AttemptCount++
	meta.DequeuedAt = now
	if ackTimeout != nil {
		meta.CustomAckTimeout = ackTimeout
	} else if msg.CustomAckTimeout != nil {
		meta.CustomAckTimeout = msg.CustomAckTimeout
	}
	if msg.CustomMaxAttempts != nil {
		meta.CustomMaxAttempts = msg.CustomMaxAttempts
	}
	if meta.Original == nil {
		meta.Original = msg.WithoutLock()
	}
	if err := b.Meta.Put(ctx, msg.ID, meta); err != nil {
		return nil, err
	}

	msg.StreamID = entryID
	msg.StreamName = stream
	msg.AttemptCount = meta.AttemptCount
	msg.DequeuedAt = now
	if meta.LastError != "" {
		msg.LastError = meta.LastError
	}

	b.Stats.Dequeued.Add(1)
	b.Metrics.IncCounter("dequeue_total", 1, hermes.Label{Key: "stream", Value: stream})
	b.Logger.Info(ctx, "message dequeued", map[string]any{
		"id":      msg.ID,
		"stream":  stream,
		"attempt": meta.AttemptCount,
	})
	return msg, nil
}

// Fail records a handler failure without settling the entry; the message
// stays pending until the reclaimer requeues or dead-letters it.
func (b *Broker) Fail(ctx context.Context, msg *domain.Message, reason string) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("%w: message has no id", domain.ErrNotFound)
	}
	if err := b.Meta.SetLastError(ctx, msg.ID, reason); err != nil {
		return err
	}
	b.Stats.Failed.Add(1)
	b.Metrics.IncCounter("fail_total", 1)
	b.Logger.Warn(ctx, "message handler failed", map[string]any{
		"id":    msg.ID,
		"error": reason,
	})
	return nil
}

// discardPoison settles an entry that cannot be decoded so it never wedges
// the band.
func (b *Broker) discardPoison(ctx context.Context, stream, entryID, reason string) {
	if _, _, err := b.Sub.AckDel(ctx, stream, b.Group, entryID); err != nil {
		b.Logger.Warn(ctx, "failed to discard undecodable entry", map[string]any{
			"stream":   stream,
			"entry_id": entryID,
			"error":    err.Error(),
		})
		return
	}
	b.Logger.Warn(ctx, "discarded undecodable entry", map[string]any{
		"stream":   stream,
		"entry_id": entryID,
		"reason":   reason,
	})
	b.Metrics.IncCounter("poison_total", 1, hermes.Label{Key: "stream", Value: stream})
}
