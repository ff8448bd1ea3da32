// Package moirai reallots messages between the logical queues and applies
// manual edits and deletions. Every operation resolves user-visible ids
// to their stream entries first, then settles the source entry and writes
// the destination in a pipeline, so an observer never sees a message in
// two queues at once.
package moirai

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/iris"
)

// DefaultMoveReason annotates dead letters created by a manual move when
// the caller supplies no reason of their own.
const DefaultMoveReason = "Manually moved to DLQ"

// claimBudgetSlack bounds the manual-claim loop beyond the target count,
// leaving room for stale entries that must be swept aside along the way.
const claimBudgetSlack = 200

// Mover relocates messages between queues.
type Mover struct {
	Broker *acheron.Broker
	Logger hermes.Logger
}

func NewMover(broker *acheron.Broker, logger hermes.Logger) *Mover {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Mover{Broker: broker, Logger: logger}
}

// Move relocates the identified messages from one queue to another and
// returns how many were found and moved. Ids absent from the source
// queue are skipped. Moving within a queue is rejected.
func (m *Mover) Move(ctx context.Context, ids []string, from, to domain.QueueType, errorReason string) (int, error) {
	if from == to {
		return 0, fmt.Errorf("%w: source and destination are both %q", domain.ErrConflict, from)
	}

	ordered := dedup(ids)
	if len(ordered) == 0 {
		return 0, fmt.Errorf("%w: no message ids given", domain.ErrNotFound)
	}

	located, err := locator{m.Broker}.find(ctx, from, ordered)
	if err != nil {
		return 0, err
	}
	targets := make([]*found, 0, len(located))
	for _, id := range ordered {
		if f, ok := located[id]; ok {
			targets = append(targets, f)
		}
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("%w: none of the requested messages are in %s", domain.ErrNotFound, from)
	}
	if len(targets) < len(ordered) {
		m.Logger.Warn(ctx, "some messages to move were not found", map[string]any{
			"queue":     string(from),
			"requested": len(ordered),
			"found":     len(targets),
		})
	}

	var moved int
	if to == domain.QueueProcessing {
		moved, err = m.moveToProcessing(ctx, targets)
	} else {
		moved, err = m.moveDirect(ctx, targets, to, errorReason)
	}
	if moved > 0 {
		m.Broker.Metrics.IncCounter("move_total", float64(moved))
		m.Broker.Events.Emit(ctx, iris.MoveEvent(string(from), string(to), moved))
		m.Logger.Info(ctx, "messages moved", map[string]any{
			"from":  string(from),
			"to":    string(to),
			"count": moved,
		})
	}
	return moved, err
}

// moveDirect handles destinations that are plain streams. Each message is
// settled at its source and appended to the destination in one pipeline,
// stamped for the queue it lands in.
func (m *Mover) moveDirect(ctx context.Context, targets []*found, to domain.QueueType, errorReason string) (int, error) {
	b := m.Broker
	now := domain.UnixSeconds(time.Now())

	moved := 0
	for _, f := range targets {
		dest := f.msg.WithoutLock()
		var stream string
		switch to {
		case domain.QueueMain:
			dest.DequeuedAt = 0
			dest.ProcessingStartedAt = 0
			dest.AcknowledgedAt = 0
			dest.FailedAt = 0
			stream = b.Layout.Band(b.Layout.Clamp(dest.Priority))
		case domain.QueueAcknowledged:
			dest.AcknowledgedAt = now
			stream = b.Layout.AckHistory()
		case domain.QueueDead:
			dest.FailedAt = now
			if errorReason != "" {
				dest.LastError = errorReason
			} else if dest.LastError == "" {
				dest.LastError = DefaultMoveReason
			}
			stream = b.Layout.DLQ()
		default:
			return moved, fmt.Errorf("%w: unknown queue type %q", domain.ErrNotFound, to)
		}

		encoded, err := b.Codec.Encode(dest)
		if err != nil {
			return moved, err
		}
		_, err = b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			if f.grouped {
				pipe.XAck(ctx, f.stream, b.Group, f.entryID)
			}
			pipe.XDel(ctx, f.stream, f.entryID)
			switch to {
			case domain.QueueAcknowledged:
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: stream,
					MaxLen: b.MaxAckHistory,
					Approx: true,
					Values: map[string]any{"data": encoded},
				})
				pipe.Incr(ctx, b.Layout.TotalAckedKey())
				pipe.HDel(ctx, b.Meta.Key(), dest.ID)
			case domain.QueueDead:
				pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"data": encoded}})
				pipe.HDel(ctx, b.Meta.Key(), dest.ID)
			default:
				pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"data": encoded}})
			}
			return nil
		})
		if err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// moveToProcessing stages each message in the manual stream, then claims
// the staged entries through the consumer group so they land in the
// manual stream's pending list with metadata recorded as a dequeue would.
func (m *Mover) moveToProcessing(ctx context.Context, targets []*found) (int, error) {
	b := m.Broker
	manual := b.Layout.Manual()

	staged := make(map[string]bool, len(targets))
	for _, f := range targets {
		msg := f.msg.WithoutLock()
		msg.AcknowledgedAt = 0
		msg.FailedAt = 0
		encoded, err := b.Codec.Encode(msg)
		if err != nil {
			return 0, err
		}
		_, err = b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			if f.grouped {
				pipe.XAck(ctx, f.stream, b.Group, f.entryID)
			}
			pipe.XDel(ctx, f.stream, f.entryID)
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: manual, Values: map[string]any{"data": encoded}})
			return nil
		})
		if err != nil {
			return 0, err
		}
		staged[msg.ID] = true
	}
	return m.claimStaged(ctx, staged)
}

// claimStaged group-reads the manual stream until every staged id sits in
// its pending list. Foreign entries encountered along the way are
// returned to the band matching their priority. The loop gives up once
// the budget runs out; anything still unclaimed stays in the manual
// stream and is picked up by the next dequeue.
func (m *Mover) claimStaged(ctx context.Context, want map[string]bool) (int, error) {
	b := m.Broker
	manual := b.Layout.Manual()

	claimed := 0
	budget := len(want) + claimBudgetSlack
	for len(want) > 0 && budget > 0 {
		budget--
		entries, err := b.Sub.GroupRead(ctx, b.Group, b.Consumer, manual, 1)
		if err != nil {
			return claimed, err
		}
		if len(entries) == 0 {
			break
		}
		entry := entries[0]

		raw, ok := entry.Values["data"].(string)
		if !ok {
			if _, _, err := b.Sub.AckDel(ctx, manual, b.Group, entry.ID); err != nil {
				return claimed, err
			}
			continue
		}
		msg, err := b.Codec.Decode(raw)
		if err != nil {
			if _, _, err := b.Sub.AckDel(ctx, manual, b.Group, entry.ID); err != nil {
				return claimed, err
			}
			continue
		}

		if !want[msg.ID] {
			if err := m.returnToBand(ctx, msg, raw, entry.ID); err != nil {
				return claimed, err
			}
			continue
		}
		if _, err := b.Claim(ctx, msg, manual, entry.ID, nil); err != nil {
			return claimed, err
		}
		delete(want, msg.ID)
		claimed++
	}

	if len(want) > 0 {
		m.Logger.Warn(ctx, "claim loop ended with unclaimed messages in the manual stream", map[string]any{
			"unclaimed": len(want),
		})
	}
	return claimed, nil
}

// returnToBand re-appends a stale manual entry verbatim to its natural
// band and settles it in the manual stream.
func (m *Mover) returnToBand(ctx context.Context, msg *domain.Message, raw, entryID string) error {
	b := m.Broker
	band := b.Layout.Band(b.Layout.Clamp(msg.Priority))
	_, err := b.Sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: band, Values: map[string]any{"data": raw}})
		pipe.XAck(ctx, b.Layout.Manual(), b.Group, entryID)
		pipe.XDel(ctx, b.Layout.Manual(), entryID)
		return nil
	})
	if err != nil {
		return err
	}
	m.Logger.Info(ctx, "returned stale manual entry to its band", map[string]any{
		"id":   msg.ID,
		"band": band,
	})
	return nil
}
