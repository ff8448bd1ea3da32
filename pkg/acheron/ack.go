package acheron

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/iris"
)

// Ack completes delivery of a dequeued message. The pending entry is
// acknowledged and deleted first; only when that settles something does
// the message enter the acknowledged history, bump the lifetime counter
// and lose its metadata record. A repeated ack with the same lock finds
// nothing to settle and is a no-op.
func (b *Broker) Ack(ctx context.Context, msg *domain.Message) error {
	if !msg.HasLock() {
		fields := map[string]any{}
		if msg != nil {
			fields["id"] = msg.ID
		}
		b.Logger.Warn(ctx, "ack rejected, envelope carries no stream lock", fields)
		return domain.ErrMissingLock
	}

	record := msg.WithoutLock()
	// A bare lock envelope is enough; recover the body from the stream
	// while the entry still exists.
	if record.Type == "" || len(record.Payload) == 0 {
		if entry, err := b.Sub.Entry(ctx, msg.StreamName, msg.StreamID); err == nil && entry != nil {
			if raw, ok := entry.Values["data"].(string); ok {
				if full, err := b.Codec.Decode(raw); err == nil {
					record = full.WithoutLock()
				}
			}
		}
	}

	acked, deleted, err := b.Sub.AckDel(ctx, msg.StreamName, b.Group, msg.StreamID)
	if err != nil {
		return err
	}
	if acked == 0 && deleted == 0 {
		b.Logger.Info(ctx, "ack skipped, entry already settled", map[string]any{"id": msg.ID})
		return nil
	}

	meta, merr := b.Meta.Get(ctx, msg.ID)
	if merr != nil {
		b.Logger.Warn(ctx, "failed to read metadata during ack", map[string]any{
			"id":    msg.ID,
			"error": merr.Error(),
		})
	}
	if meta != nil {
		record.AttemptCount = meta.AttemptCount
		if (record.Type == "" || len(record.Payload) == 0) && meta.Original != nil {
			restored := meta.Original.Clone()
			restored.AttemptCount = meta.AttemptCount
			record = restored
		}
	}
	record.AcknowledgedAt = domain.UnixSeconds(time.Now())

	encoded, err := b.Codec.Encode(record)
	if err != nil {
		b.Logger.Warn(ctx, "failed to encode acknowledged record", map[string]any{
			"id":    msg.ID,
			"error": err.Error(),
		})
		encoded = ""
	}

	// The stream entry is already settled at this point.
	_, err = b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if encoded != "" {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: b.Layout.AckHistory(),
				MaxLen: b.MaxAckHistory,
				Approx: true,
				Values: map[string]any{"data": encoded},
			})
		}
		pipe.Incr(ctx, b.Layout.TotalAckedKey())
		pipe.HDel(ctx, b.Meta.Key(), msg.ID)
		return nil
	})
	if err != nil {
		b.Logger.Warn(ctx, "ack bookkeeping failed", map[string]any{
			"id":    msg.ID,
			"error": err.Error(),
		})
	}

	b.Stats.Acknowledged.Add(1)
	b.Metrics.IncCounter("ack_total", 1, hermes.Label{Key: "stream", Value: msg.StreamName})
	b.Logger.Info(ctx, "message acknowledged", map[string]any{
		"id":     msg.ID,
		"stream": msg.StreamName,
	})
	b.Events.Emit(ctx, iris.AckEvent(msg.ID))
	return nil
}
