// Package erinyes hunts down deliveries whose consumers went silent. A
// periodic sweep walks every pending list; entries idle past their ack
// timeout are either returned to their band for another attempt or, once
// their attempts are spent, handed to the dead-letter sink.
package erinyes

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/cocytus"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/iris"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultLeaseTTL = 30 * time.Second
	DefaultMinIdle  = time.Second

	// pendingBatch bounds how many pending entries one sweep inspects
	// per stream.
	pendingBatch = 1000

	maxAttemptsReason = "Max attempts exceeded"
)

// Reclaimer sweeps the consumer group's pending lists. Exactly one sweep
// runs at a time across all processes, serialized by a self-expiring
// lease on the queue's reclaim lock key.
type Reclaimer struct {
	Broker   *acheron.Broker
	Sink     cocytus.Sink
	Logger   hermes.Logger
	Interval time.Duration

	// LeaseTTL caps how long a crashed sweep can block the next one.
	LeaseTTL time.Duration
	// MinIdle shields entries claimed moments ago from inspection.
	MinIdle time.Duration
}

// NewReclaimer creates a Reclaimer for the broker's queue.
func NewReclaimer(broker *acheron.Broker, sink cocytus.Sink, logger hermes.Logger, interval time.Duration) *Reclaimer {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reclaimer{
		Broker:   broker,
		Sink:     sink,
		Logger:   logger,
		Interval: interval,
		LeaseTTL: DefaultLeaseTTL,
		MinIdle:  DefaultMinIdle,
	}
}

// Start runs sweeps on the configured interval until the context ends.
func (r *Reclaimer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Logger.Info(ctx, "reclaimer started", map[string]any{"interval": r.Interval.String()})
	for {
		select {
		case <-ctx.Done():
			r.Logger.Info(ctx, "reclaimer stopped", nil)
			return
		case <-ticker.C:
			if _, _, err := r.Sweep(ctx); err != nil {
				r.Logger.Warn(ctx, "reclaim sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Sweep inspects every pending entry once and reports how many messages
// were requeued and how many were dead-lettered. Losing the lease to a
// concurrent sweep returns zero counts without error.
func (r *Reclaimer) Sweep(ctx context.Context) (requeued, deadLettered int, err error) {
	b := r.Broker

	token, ok, err := b.Sub.AcquireLease(ctx, b.Layout.ReclaimLockKey(), r.LeaseTTL)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, nil
	}
	defer func() {
		if rerr := b.Sub.ReleaseLease(ctx, b.Layout.ReclaimLockKey(), token); rerr != nil {
			r.Logger.Warn(ctx, "failed to release reclaim lease", map[string]any{"error": rerr.Error()})
		}
	}()

	for _, stream := range b.Layout.PendingStreams() {
		rq, dl, serr := r.sweepStream(ctx, stream)
		requeued += rq
		deadLettered += dl
		if serr != nil {
			return requeued, deadLettered, serr
		}
	}

	if requeued > 0 {
		b.Stats.Requeued.Add(int64(requeued))
		b.Metrics.IncCounter("requeue_total", float64(requeued))
		b.Events.Emit(ctx, iris.RequeueEvent(requeued))
	}
	if deadLettered > 0 {
		b.Metrics.IncCounter("dead_letter_total", float64(deadLettered))
		b.Events.Emit(ctx, iris.DLQEvent(deadLettered))
	}
	return requeued, deadLettered, nil
}

func (r *Reclaimer) sweepStream(ctx context.Context, stream string) (int, int, error) {
	b := r.Broker

	pending, err := b.Sub.Pending(ctx, stream, b.Group, pendingBatch)
	if err != nil {
		return 0, 0, err
	}

	requeued, deadLettered := 0, 0
	for _, entry := range pending {
		if entry.Idle < r.MinIdle {
			continue
		}

		stored, err := b.Sub.Entry(ctx, stream, entry.ID)
		if err != nil {
			return requeued, deadLettered, err
		}
		if stored == nil {
			// Deleted behind the group's back; drop the dangling claim.
			if _, err := b.Sub.Ack(ctx, stream, b.Group, entry.ID); err != nil {
				return requeued, deadLettered, err
			}
			continue
		}

		raw, ok := stored.Values["data"].(string)
		if !ok {
			r.discard(ctx, stream, entry.ID, "missing data field")
			continue
		}
		msg, err := b.Codec.Decode(raw)
		if err != nil {
			r.discard(ctx, stream, entry.ID, err.Error())
			continue
		}

		meta, merr := b.Meta.Get(ctx, msg.ID)
		if merr != nil {
			r.Logger.Warn(ctx, "failed to read metadata during sweep", map[string]any{
				"id":    msg.ID,
				"error": merr.Error(),
			})
			meta = nil
		}

		timeout := r.effectiveTimeout(msg, meta)
		if entry.Idle < time.Duration(timeout*float64(time.Second)) {
			continue
		}

		attempts := 0
		if meta != nil {
			attempts = meta.AttemptCount
		}
		if attempts >= r.effectiveMaxAttempts(msg, meta) {
			condemned := msg.WithoutLock()
			condemned.AttemptCount = attempts
			err := r.Sink.Divert(ctx, &cocytus.Record{
				Message:   condemned,
				Reason:    maxAttemptsReason,
				SrcStream: stream,
				SrcID:     entry.ID,
				Group:     b.Group,
			})
			if err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}

		if err := r.requeue(ctx, stream, entry.ID, raw, msg, meta); err != nil {
			return requeued, deadLettered, err
		}
		requeued++
	}
	return requeued, deadLettered, nil
}

// requeue re-appends the stored body untouched to the message's natural
// band, settles the expired claim and counts the attempt.
func (r *Reclaimer) requeue(ctx context.Context, stream, entryID, raw string, msg *domain.Message, meta *domain.Meta) error {
	b := r.Broker
	target := b.Layout.Band(msg.Priority)

	_, err := b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: target,
			Values: map[string]any{"data": raw},
		})
		pipe.XAck(ctx, stream, b.Group, entryID)
		pipe.XDel(ctx, stream, entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", msg.ID, err)
	}

	if meta == nil {
		meta = &domain.Meta{CreatedAt: msg.CreatedAt}
	}
	meta.AttemptCount++
	if err := b.Meta.Put(ctx, msg.ID, meta); err != nil {
		return err
	}

	r.Logger.Info(ctx, "expired delivery requeued", map[string]any{
		"id":      msg.ID,
		"stream":  target,
		"attempt": meta.AttemptCount,
	})
	return nil
}

func (r *Reclaimer) discard(ctx context.Context, stream, entryID, reason string) {
	b := r.Broker
	if _, _, err := b.Sub.AckDel(ctx, stream, b.Group, entryID); err != nil {
		r.Logger.Warn(ctx, "failed to discard undecodable pending entry", map[string]any{
			"stream":   stream,
			"entry_id": entryID,
			"error":    err.Error(),
		})
		return
	}
	r.Logger.Warn(ctx, "discarded undecodable pending entry", map[string]any{
		"stream":   stream,
		"entry_id": entryID,
		"reason":   reason,
	})
}

// effectiveTimeout resolves the ack timeout in seconds: the metadata
// record wins, then the message's own override, then the global default.
func (r *Reclaimer) effectiveTimeout(msg *domain.Message, meta *domain.Meta) float64 {
	if meta != nil && meta.CustomAckTimeout != nil {
		return *meta.CustomAckTimeout
	}
	if msg.CustomAckTimeout != nil {
		return *msg.CustomAckTimeout
	}
	return r.Broker.AckTimeout
}

func (r *Reclaimer) effectiveMaxAttempts(msg *domain.Message, meta *domain.Meta) int {
	if meta != nil && meta.CustomMaxAttempts != nil {
		return *meta.CustomMaxAttempts
	}
	if msg.CustomMaxAttempts != nil {
		return *msg.CustomMaxAttempts
	}
	return r.Broker.MaxAttempts
}
