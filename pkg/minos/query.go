// Package minos renders read-only views over the logical queues:
// filtered, sorted, paginated listings plus the dashboard status
// summary. Views are assembled from the streams on every call; nothing
// here mutates broker state.
package minos

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hades"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000

	// pendingBatch is the single-fetch ceiling for pending lists. A queue
	// with more in-flight deliveries than this truncates the processing
	// view rather than paging.
	pendingBatch = 10000

	previewLimit = 100
)

// Query builds message views for one broker.
type Query struct {
	Broker *acheron.Broker
	Logger hermes.Logger
}

func NewQuery(broker *acheron.Broker, logger hermes.Logger) *Query {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Query{Broker: broker, Logger: logger}
}

// Messages returns one page of the queue's messages after filtering and
// sorting the full candidate set. Entries that fail to decode are
// dropped from the view and logged.
func (q *Query) Messages(ctx context.Context, queue domain.QueueType, opts domain.QueryOptions) (*domain.QueryResult, error) {
	msgs, err := q.collect(ctx, q.Broker.Layout, q.Broker.Group, queue)
	if err != nil {
		return nil, err
	}

	filtered := msgs[:0]
	for _, msg := range msgs {
		if q.matches(msg, queue, opts) {
			filtered = append(filtered, msg)
		}
	}
	sortMessages(filtered, opts.SortBy, opts.SortOrder)

	page := opts.Page
	if page < 1 {
		page = 1
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	total := len(filtered)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &domain.QueryResult{
		Messages: filtered[start:end],
		Pagination: domain.Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages,
		},
	}, nil
}

// collect materialises the queue's candidate set, metadata merged in.
func (q *Query) collect(ctx context.Context, layout *phlegethon.Layout, group string, queue domain.QueueType) ([]*domain.Message, error) {
	meta := q.metaFor(layout)
	switch queue {
	case domain.QueueMain:
		return q.collectMain(ctx, layout, group, meta)
	case domain.QueueProcessing:
		return q.collectProcessing(ctx, layout, group, meta)
	case domain.QueueDead:
		return q.collectStream(ctx, layout.DLQ(), meta)
	case domain.QueueAcknowledged:
		return q.collectStream(ctx, layout.AckHistory(), meta)
	default:
		return nil, domain.ErrNotFound
	}
}

// collectMain walks every band, skipping entries that sit in a pending
// list; those belong to the processing view.
func (q *Query) collectMain(ctx context.Context, layout *phlegethon.Layout, group string, meta *hades.Store) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, band := range layout.Bands() {
		pending, err := q.pendingIDs(ctx, band, group)
		if err != nil {
			return nil, err
		}
		entries, err := q.Broker.Sub.RangeAll(ctx, band)
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
	return out, nil
}

// collectProcessing derives the virtual processing queue from the
// pending lists of the manual stream and every band. The delivery
// timestamp comes from metadata, falling back to the pending idle time.
func (q *Query) collectProcessing(ctx context.Context, layout *phlegethon.Layout, group string, meta *hades.Store) ([]*domain.Message, error) {
	now := time.Now()
	var out []*domain.Message
	for _, stream := range layout.PendingStreams() {
		pending, err := q.Broker.Sub.Pending(ctx, stream, group, pendingBatch)
		if err != nil {
			return nil, err
		}
		for _, p := range pending {
			entry, err := q.Broker.Sub.Entry(ctx, stream, p.ID)
			if err != nil || entry == nil {
				continue
			}
			msg := q.decodeEntry(ctx, stream, *entry)
			if msg == nil {
				continue
			}
			q.mergeMeta(ctx, meta, msg)
			if msg.DequeuedAt == 0 {
				msg.DequeuedAt = domain.UnixSeconds(now.Add(-p.Idle))
			}
			if msg.ProcessingStartedAt == 0 {
				msg.ProcessingStartedAt = msg.DequeuedAt
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (q *Query) collectStream(ctx context.Context, stream string, meta *hades.Store) ([]*domain.Message, error) {
	entries, err := q.Broker.Sub.RangeAll(ctx, stream)
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

func (q *Query) pendingIDs(ctx context.Context, stream, group string) (map[string]bool, error) {
	pending, err := q.Broker.Sub.Pending(ctx, stream, group, pendingBatch)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(pending))
	for _, p := range pending {
		set[p.ID] = true
	}
	return set, nil
}

func (q *Query) decodeEntry(ctx context.Context, stream string, entry redis.XMessage) *domain.Message {
	raw, ok := entry.Values["data"].(string)
	if !ok {
		q.Logger.Warn(ctx, "entry without data field excluded from view", map[string]any{
			"stream":   stream,
			"entry_id": entry.ID,
		})
		return nil
	}
	msg, err := q.Broker.Codec.Decode(raw)
	if err != nil {
		q.Logger.Warn(ctx, "undecodable entry excluded from view", map[string]any{
			"stream":   stream,
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
		return nil
	}
	return msg
}

func (q *Query) mergeMeta(ctx context.Context, store *hades.Store, msg *domain.Message) {
	meta, err := store.Get(ctx, msg.ID)
	if err != nil || meta == nil {
		return
	}
	if meta.AttemptCount > msg.AttemptCount {
		msg.AttemptCount = meta.AttemptCount
	}
	if msg.LastError == "" {
		msg.LastError = meta.LastError
	}
	if msg.CustomAckTimeout == nil {
		msg.CustomAckTimeout = meta.CustomAckTimeout
	}
	if msg.CustomMaxAttempts == nil {
		msg.CustomMaxAttempts = meta.CustomMaxAttempts
	}
	if meta.DequeuedAt > 0 {
		msg.DequeuedAt = meta.DequeuedAt
	}
}

func (q *Query) metaFor(layout *phlegethon.Layout) *hades.Store {
	if layout == q.Broker.Layout {
		return q.Broker.Meta
	}
	return hades.NewStore(q.Broker.Sub, layout.MetadataKey())
}

// Filtering

func (q *Query) matches(msg *domain.Message, queue domain.QueueType, opts domain.QueryOptions) bool {
	if opts.FilterType != "" && msg.Type != opts.FilterType {
		return false
	}
	if opts.FilterPriority != nil && msg.Priority != *opts.FilterPriority {
		return false
	}
	if opts.FilterMinAttempts > 0 && msg.AttemptCount < opts.FilterMinAttempts {
		return false
	}

	ts := queueTimestamp(msg, queue)
	if bound, ok := parseBound(opts.StartDate); ok && ts < bound {
		return false
	}
	if bound, ok := parseBound(opts.EndDate); ok && ts > bound {
		return false
	}

	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		if !strings.Contains(strings.ToLower(msg.ID), needle) &&
			!strings.Contains(strings.ToLower(string(msg.Payload)), needle) &&
			!strings.Contains(strings.ToLower(msg.LastError), needle) {
			return false
		}
	}
	return true
}

// queueTimestamp picks the timestamp that date filters compare against:
// when the delivery started for processing, when it was acknowledged for
// history, creation time otherwise.
func queueTimestamp(msg *domain.Message, queue domain.QueueType) float64 {
	switch queue {
	case domain.QueueProcessing:
		if msg.ProcessingStartedAt > 0 {
			return msg.ProcessingStartedAt
		}
		return msg.DequeuedAt
	case domain.QueueAcknowledged:
		if msg.AcknowledgedAt > 0 {
			return msg.AcknowledgedAt
		}
	}
	return msg.CreatedAt
}

// parseBound accepts RFC3339 or raw UNIX seconds.
func parseBound(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return domain.UnixSeconds(t), true
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	return 0, false
}

// Sorting

// sortMessages orders by the named field, newest-created first when no
// field is given. Comparison is numeric where the field is numeric, by
// string otherwise; ties keep their collection order.
func sortMessages(msgs []*domain.Message, sortBy, sortOrder string) {
	if sortBy == "" {
		sortBy = "created_at"
		if sortOrder == "" {
			sortOrder = "desc"
		}
	}
	desc := strings.EqualFold(sortOrder, "desc")

	sort.SliceStable(msgs, func(i, j int) bool {
		if desc {
			return messageLess(msgs[j], msgs[i], sortBy)
		}
		return messageLess(msgs[i], msgs[j], sortBy)
	})
}

func messageLess(a, b *domain.Message, field string) bool {
	switch field {
	case "priority":
		return a.Priority < b.Priority
	case "attempt_count":
		return a.AttemptCount < b.AttemptCount
	case "created_at":
		return a.CreatedAt < b.CreatedAt
	case "dequeued_at":
		return a.DequeuedAt < b.DequeuedAt
	case "processing_started_at":
		return a.ProcessingStartedAt < b.ProcessingStartedAt
	case "acknowledged_at":
		return a.AcknowledgedAt < b.AcknowledgedAt
	case "failed_at":
		return a.FailedAt < b.FailedAt
	case "type":
		return a.Type < b.Type
	case "last_error":
		return a.LastError < b.LastError
	case "payload":
		return string(a.Payload) < string(b.Payload)
	case "id":
		return a.ID < b.ID
	default:
		return a.CreatedAt < b.CreatedAt
	}
}
