package moirai

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
)

const pendingBatch = 1000

// found couples a decoded message with the stream entry holding it.
type found struct {
	msg     *domain.Message
	stream  string
	entryID string
	grouped bool
	idle    time.Duration
}

// locator resolves user-visible message ids to stream entries. Ids are
// assigned at enqueue time and are unrelated to stream ids, so resolution
// is a forward scan of the candidate streams for the queue.
type locator struct {
	b *acheron.Broker
}

// find returns the subset of ids present in the queue, each enriched with
// its metadata record. Undecodable entries are skipped.
func (l locator) find(ctx context.Context, queue domain.QueueType, ids []string) (map[string]*found, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var (
		out map[string]*found
		err error
	)
	switch queue {
	case domain.QueueMain:
		out, err = l.findInBands(ctx, want)
	case domain.QueueProcessing:
		out, err = l.findInPending(ctx, want)
	case domain.QueueDead:
		out, err = l.findInStream(ctx, l.b.Layout.DLQ(), want)
	case domain.QueueAcknowledged:
		out, err = l.findInStream(ctx, l.b.Layout.AckHistory(), want)
	default:
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, f := range out {
		l.enrich(ctx, queue, f)
	}
	return out, nil
}

// findInBands scans the priority bands. Entries sitting in a band's
// pending list belong to the processing view and are not part of main.
func (l locator) findInBands(ctx context.Context, want map[string]bool) (map[string]*found, error) {
	pending, err := l.pendingEntryIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*found)
	for _, band := range l.b.Layout.Bands() {
		if len(out) == len(want) {
			break
		}
		entries, err := l.b.Sub.RangeAll(ctx, band)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if pending[band+"/"+entry.ID] {
				continue
			}
			msg := l.decode(entry)
			if msg == nil || !want[msg.ID] || out[msg.ID] != nil {
				continue
			}
			out[msg.ID] = &found{msg: msg, stream: band, entryID: entry.ID}
		}
	}
	return out, nil
}

// findInPending walks the consumer-group pending lists of the manual
// stream and every band, the union that makes up the processing view.
func (l locator) findInPending(ctx context.Context, want map[string]bool) (map[string]*found, error) {
	out := make(map[string]*found)
	for _, stream := range l.b.Layout.PendingStreams() {
		if len(out) == len(want) {
			break
		}
		pend, err := l.b.Sub.Pending(ctx, stream, l.b.Group, pendingBatch)
		if err != nil {
			return nil, err
		}
		for _, p := range pend {
			entry, err := l.b.Sub.Entry(ctx, stream, p.ID)
			if err != nil || entry == nil {
				continue
			}
			msg := l.decode(*entry)
			if msg == nil || !want[msg.ID] || out[msg.ID] != nil {
				continue
			}
			out[msg.ID] = &found{msg: msg, stream: stream, entryID: p.ID, grouped: true, idle: p.Idle}
		}
	}
	return out, nil
}

func (l locator) findInStream(ctx context.Context, stream string, want map[string]bool) (map[string]*found, error) {
	entries, err := l.b.Sub.RangeAll(ctx, stream)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*found)
	for _, entry := range entries {
		msg := l.decode(entry)
		if msg == nil || !want[msg.ID] || out[msg.ID] != nil {
			continue
		}
		out[msg.ID] = &found{msg: msg, stream: stream, entryID: entry.ID}
	}
	return out, nil
}

func (l locator) pendingEntryIDs(ctx context.Context) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, band := range l.b.Layout.Bands() {
		pend, err := l.b.Sub.Pending(ctx, band, l.b.Group, pendingBatch)
		if err != nil {
			return nil, err
		}
		for _, p := range pend {
			set[band+"/"+p.ID] = true
		}
	}
	return set, nil
}

func (l locator) decode(entry redis.XMessage) *domain.Message {
	raw, ok := entry.Values["data"].(string)
	if !ok {
		return nil
	}
	msg, err := l.b.Codec.Decode(raw)
	if err != nil {
		return nil
	}
	return msg
}

// enrich folds the metadata record into the envelope. Processing entries
// additionally get a delivery timestamp, derived from the pending idle
// time when no record survives.
func (l locator) enrich(ctx context.Context, queue domain.QueueType, f *found) {
	meta, err := l.b.Meta.Get(ctx, f.msg.ID)
	if err == nil && meta != nil {
		if meta.AttemptCount > f.msg.AttemptCount {
			f.msg.AttemptCount = meta.AttemptCount
		}
		if f.msg.LastError == "" {
			f.msg.LastError = meta.LastError
		}
		if f.msg.CustomAckTimeout == nil {
			f.msg.CustomAckTimeout = meta.CustomAckTimeout
		}
		if f.msg.CustomMaxAttempts == nil {
			f.msg.CustomMaxAttempts = meta.CustomMaxAttempts
		}
		if meta.DequeuedAt > 0 {
			f.msg.DequeuedAt = meta.DequeuedAt
		}
	}
	if queue == domain.QueueProcessing {
		if f.msg.DequeuedAt == 0 {
			f.msg.DequeuedAt = domain.UnixSeconds(time.Now().Add(-f.idle))
		}
		if f.msg.ProcessingStartedAt == 0 {
			f.msg.ProcessingStartedAt = f.msg.DequeuedAt
		}
	}
}

// dedup keeps the first occurrence of each id and drops blanks.
func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
