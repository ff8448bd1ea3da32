package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue types

// QueueType names one of the four logical queues a message can live in.
// Only "main" is backed by the priority bands directly; "processing" is
// virtual and derived from the consumer-group pending lists.
type QueueType string

const (
	QueueMain         QueueType = "main"
	QueueProcessing   QueueType = "processing"
	QueueDead         QueueType = "dead"
	QueueAcknowledged QueueType = "acknowledged"
)

// ParseQueueType maps a client-supplied name onto a QueueType.
// "dlq" is accepted as an alias for "dead".
func ParseQueueType(s string) (QueueType, error) {
	switch s {
	case "main":
		return QueueMain, nil
	case "processing":
		return QueueProcessing, nil
	case "dead", "dlq":
		return QueueDead, nil
	case "acknowledged":
		return QueueAcknowledged, nil
	}
	return "", fmt.Errorf("%w: unknown queue type %q", ErrNotFound, s)
}

// Message

// Message is the wire unit of the broker. Stream entries store one field,
// "data", whose value is the codec rendering of this struct.
type Message struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Priority          int             `json:"priority"`
	CreatedAt         float64         `json:"created_at"`
	CustomAckTimeout  *float64        `json:"custom_ack_timeout,omitempty"`
	CustomMaxAttempts *int            `json:"custom_max_attempts,omitempty"`

	// Lock fields. Present only on envelopes returned by dequeue; together
	// they are the sole proof of ownership accepted by ack.
	StreamID   string `json:"_stream_id,omitempty"`
	StreamName string `json:"_stream_name,omitempty"`

	// Enrichment fields carried on views, history entries and dead letters.
	AttemptCount        int     `json:"attempt_count,omitempty"`
	LastError           string  `json:"last_error,omitempty"`
	DequeuedAt          float64 `json:"dequeued_at,omitempty"`
	ProcessingStartedAt float64 `json:"processing_started_at,omitempty"`
	AcknowledgedAt      float64 `json:"acknowledged_at,omitempty"`
	FailedAt            float64 `json:"failed_at,omitempty"`
}

// HasLock reports whether the envelope carries both lock fields.
func (m *Message) HasLock() bool {
	return m != nil && m.StreamID != "" && m.StreamName != ""
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.CustomAckTimeout != nil {
		v := *m.CustomAckTimeout
		c.CustomAckTimeout = &v
	}
	if m.CustomMaxAttempts != nil {
		v := *m.CustomMaxAttempts
		c.CustomMaxAttempts = &v
	}
	return &c
}

// WithoutLock returns a copy with the lock fields cleared.
func (m *Message) WithoutLock() *Message {
	c := m.Clone()
	c.StreamID = ""
	c.StreamName = ""
	return c
}

// Metadata

// Meta is the per-message bookkeeping record, one JSON value per message
// id inside a single hash. Created or refreshed on dequeue, consulted by
// ack and reclaim, purged on every terminal transition.
type Meta struct {
	AttemptCount      int      `json:"attempt_count"`
	DequeuedAt        float64  `json:"dequeued_at,omitempty"`
	CreatedAt         float64  `json:"created_at,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
	CustomAckTimeout  *float64 `json:"custom_ack_timeout,omitempty"`
	CustomMaxAttempts *int     `json:"custom_max_attempts,omitempty"`
	Original          *Message `json:"_original_message,omitempty"`
}

// Query & status views

type QueryOptions struct {
	Page              int
	Limit             int
	SortBy            string
	SortOrder         string
	FilterType        string
	FilterPriority    *int
	FilterMinAttempts int
	StartDate         string
	EndDate           string
	Search            string
}

type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type QueryResult struct {
	Messages   []*Message `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

type StatusOptions struct {
	IncludeMessages bool
	QueueName       string
}

// QueueStatus is the dashboard summary: counts per logical queue, the
// per-priority waiting breakdown, and optionally a bounded preview of
// the most recent messages per queue.
type QueueStatus struct {
	Queue      string                `json:"queue"`
	Counts     map[string]int64      `json:"counts"`
	Priorities map[string]int64      `json:"priorities"`
	Messages   map[string][]*Message `json:"messages,omitempty"`
}

// Metrics & health

// StatsSnapshot is the per-process operation tally. It is not durable and
// resets on a full clear.
type StatsSnapshot struct {
	Enqueued     int64 `json:"enqueued"`
	Dequeued     int64 `json:"dequeued"`
	Acknowledged int64 `json:"acknowledged"`
	Failed       int64 `json:"failed"`
	Requeued     int64 `json:"requeued"`
}

type BandMetrics struct {
	Stream   string `json:"stream"`
	Priority int    `json:"priority"`
	Length   int64  `json:"length"`
	Pending  int64  `json:"pending"`
}

type BrokerMetrics struct {
	Queue         string        `json:"queue"`
	Bands         []BandMetrics `json:"bands"`
	ManualLength  int64         `json:"manual_length"`
	ManualPending int64         `json:"manual_pending"`
	DeadLength    int64         `json:"dead_length"`
	AckHistory    int64         `json:"ack_history_length"`
	TotalAcked    int64         `json:"total_acknowledged"`
	MetadataCount int64         `json:"metadata_count"`
	Stats         StatsSnapshot `json:"stats"`
}

type ProcessInfo struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type Health struct {
	Status     string         `json:"status"`
	PingMillis float64        `json:"ping_ms"`
	Metrics    *BrokerMetrics `json:"metrics,omitempty"`
	Process    *ProcessInfo   `json:"process,omitempty"`
}

// Time helpers

// UnixSeconds renders a time as fractional UNIX seconds, the timestamp
// format used throughout message envelopes and metadata.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
