package minos

import (
	"context"
	"strconv"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hades"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
)

// Status summarises one queue family: per-queue counts, the waiting
// breakdown by priority and, when asked for, a bounded recent preview of
// each logical queue. A QueueName override inspects another prefix with
// a layout derived on the fly.
func (q *Query) Status(ctx context.Context, opts domain.StatusOptions) (*domain.QueueStatus, error) {
	layout := q.Broker.LayoutFor(opts.QueueName)
	group := q.Broker.Group
	if layout != q.Broker.Layout {
		group = layout.DefaultGroup()
	}

	status := &domain.QueueStatus{
		Queue:      layout.Queue(),
		Counts:     map[string]int64{},
		Priorities: map[string]int64{},
	}

	var mainCount, processingCount int64
	for p := 0; p < layout.Levels(); p++ {
		band := layout.Band(p)
		length, err := q.Broker.Sub.Len(ctx, band)
		if err != nil {
			return nil, err
		}
		pending, err := q.Broker.Sub.PendingCount(ctx, band, group)
		if err != nil {
			return nil, err
		}
		waiting := length - pending
		if waiting < 0 {
			waiting = 0
		}
		status.Priorities[strconv.Itoa(p)] = waiting
		mainCount += waiting
		processingCount += pending
	}
	manualPending, err := q.Broker.Sub.PendingCount(ctx, layout.Manual(), group)
	if err != nil {
		return nil, err
	}
	processingCount += manualPending

	deadCount, err := q.Broker.Sub.Len(ctx, layout.DLQ())
	if err != nil {
		return nil, err
	}
	ackCount, err := q.Broker.Sub.Len(ctx, layout.AckHistory())
	if err != nil {
		return nil, err
	}

	status.Counts["main"] = mainCount
	status.Counts["processing"] = processingCount
	status.Counts["dead"] = deadCount
	status.Counts["acknowledged"] = ackCount

	if opts.IncludeMessages {
		meta := q.metaFor(layout)
		main, err := q.previewMain(ctx, layout, group, meta)
		if err != nil {
			return nil, err
		}
		processing, err := q.collectProcessing(ctx, layout, group, meta)
		if err != nil {
			return nil, err
		}
		sortMessages(processing, "dequeued_at", "desc")
		if len(processing) > previewLimit {
			processing = processing[:previewLimit]
		}
		dead, err := q.previewStream(ctx, layout.DLQ(), meta)
		if err != nil {
			return nil, err
		}
		acked, err := q.previewStream(ctx, layout.AckHistory(), meta)
		if err != nil {
			return nil, err
		}
		status.Messages = map[string][]*domain.Message{
			"main":         main,
			"processing":   processing,
			"dead":         dead,
			"acknowledged": acked,
		}
	}
	return status, nil
}

// previewMain gathers the newest waiting entries across all bands. The
// reverse range is bounded per band, so under heavy pending load the
// preview can come up short of the limit; counts stay exact regardless.
func (q *Query) previewMain(ctx context.Context, layout *phlegethon.Layout, group string, meta *hades.Store) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, band := range layout.Bands() {
		pending, err := q.pendingIDs(ctx, band, group)
		if err != nil {
			return nil, err
		}
		entries, err := q.Broker.Sub.RangeReverse(ctx, band, previewLimit)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if pending[entry.ID] {
				continue
			}
			if msg := q.decodeEntry(ctx, band, entry); msg != nil {
				q.mergeMeta(ctx, meta, msg)
				out = append(out, msg)
			}
		}
	}
	sortMessages(out, "created_at", "desc")
	if len(out) > previewLimit {
		out = out[:previewLimit]
	}
	return out, nil
}

func (q *Query) previewStream(ctx context.Context, stream string, meta *hades.Store) ([]*domain.Message, error) {
	entries, err := q.Broker.Sub.RangeReverse(ctx, stream, previewLimit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Message, 0, len(entries))
	for _, entry := range entries {
		if msg := q.decodeEntry(ctx, stream, entry); msg != nil {
			q.mergeMeta(ctx, meta, msg)
			out = append(out, msg)
		}
	}
	return out, nil
}
