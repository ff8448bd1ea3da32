// Package lethe empties queues. Clearing is destructive and immediate;
// there is no undo and no tombstone, the streams are simply deleted.
package lethe

import (
	"context"
	"fmt"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/iris"
)

const pendingBatch = 10000

// Purger is Lethe: it makes a queue forget.
type Purger struct {
	Broker *acheron.Broker
	Logger hermes.Logger
}

func NewPurger(broker *acheron.Broker, logger hermes.Logger) *Purger {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Purger{Broker: broker, Logger: logger}
}

// Clear empties one logical queue and returns how many entries were
// removed. Clearing main deletes the band streams outright, which also
// discards any in-flight deliveries whose entries lived there; clearing
// processing settles only the pending entries and leaves waiting
// messages alone.
func (p *Purger) Clear(ctx context.Context, queue domain.QueueType) (int, error) {
	var (
		count int
		err   error
	)
	switch queue {
	case domain.QueueMain:
		count, err = p.clearStreams(ctx, p.Broker.Layout.Bands()...)
	case domain.QueueProcessing:
		count, err = p.clearPending(ctx)
	case domain.QueueDead:
		count, err = p.clearStreams(ctx, p.Broker.Layout.DLQ())
	case domain.QueueAcknowledged:
		// The lifetime ack counter survives; only the history is dropped.
		count, err = p.clearStreams(ctx, p.Broker.Layout.AckHistory())
	default:
		return 0, fmt.Errorf("%w: unknown queue type %q", domain.ErrNotFound, queue)
	}
	if err != nil {
		return count, err
	}

	p.Broker.Metrics.IncCounter("clear_total", float64(count))
	p.Broker.Events.Emit(ctx, iris.ClearEvent(string(queue), count))
	p.Logger.Info(ctx, "queue cleared", map[string]any{
		"queue": string(queue),
		"count": count,
	})
	return count, nil
}

// ClearAll wipes the whole queue family: every stream, the metadata
// hash, the lifetime ack counter and the reclaim lock, and resets the
// in-process stats.
func (p *Purger) ClearAll(ctx context.Context) (int, error) {
	b := p.Broker
	streams := append(b.Layout.Bands(), b.Layout.Manual(), b.Layout.DLQ(), b.Layout.AckHistory())

	total := 0
	for _, stream := range streams {
		n, err := b.Sub.Len(ctx, stream)
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	if _, err := b.Sub.DeleteKeys(ctx, b.Layout.AllKeys()...); err != nil {
		return total, err
	}
	b.Stats.Reset()

	b.Metrics.IncCounter("clear_total", float64(total))
	b.Events.Emit(ctx, iris.ClearEvent("all", total))
	p.Logger.Info(ctx, "all queues cleared", map[string]any{
		"queue": b.Layout.Queue(),
		"count": total,
	})
	return total, nil
}

func (p *Purger) clearStreams(ctx context.Context, streams ...string) (int, error) {
	b := p.Broker
	total := 0
	for _, stream := range streams {
		n, err := b.Sub.Len(ctx, stream)
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	if _, err := b.Sub.DeleteKeys(ctx, streams...); err != nil {
		return total, err
	}
	return total, nil
}

// clearPending settles every in-flight delivery and purges its metadata
// record. Entries that cannot be decoded are settled all the same; they
// just have no record to purge.
func (p *Purger) clearPending(ctx context.Context) (int, error) {
	b := p.Broker

	count := 0
	var ids []string
	for _, stream := range b.Layout.PendingStreams() {
		pending, err := b.Sub.Pending(ctx, stream, b.Group, pendingBatch)
		if err != nil {
			return count, err
		}
		for _, pe := range pending {
			if entry, err := b.Sub.Entry(ctx, stream, pe.ID); err == nil && entry != nil {
				if raw, ok := entry.Values["data"].(string); ok {
					if msg, derr := b.Codec.Decode(raw); derr == nil {
						ids = append(ids, msg.ID)
					}
				}
			}
			if _, _, err := b.Sub.AckDel(ctx, stream, b.Group, pe.ID); err != nil {
				return count, err
			}
			count++
		}
	}
	if err := b.Meta.Delete(ctx, ids...); err != nil {
		p.Logger.Warn(ctx, "failed to purge metadata while clearing processing", map[string]any{
			"error": err.Error(),
		})
	}
	return count, nil
}
