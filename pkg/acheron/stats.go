package acheron

import (
	"sync/atomic"
	"time"

	"github.com/acheron-mq/acheron/pkg/domain"
)

// ProcessStats tallies the operations served by this process. The counts
// are not durable; a full clear resets them alongside the streams.
type ProcessStats struct {
	Enqueued     atomic.Int64
	Dequeued     atomic.Int64
	Acknowledged atomic.Int64
	Failed       atomic.Int64
	Requeued     atomic.Int64

	startedAt time.Time
}

// NewProcessStats creates a zeroed tally anchored at the current time.
func NewProcessStats() *ProcessStats {
	return &ProcessStats{startedAt: time.Now()}
}

// Snapshot returns the current counts.
func (s *ProcessStats) Snapshot() domain.StatsSnapshot {
	return domain.StatsSnapshot{
		Enqueued:     s.Enqueued.Load(),
		Dequeued:     s.Dequeued.Load(),
		Acknowledged: s.Acknowledged.Load(),
		Failed:       s.Failed.Load(),
		Requeued:     s.Requeued.Load(),
	}
}

// Reset zeroes every count.
func (s *ProcessStats) Reset() {
	s.Enqueued.Store(0)
	s.Dequeued.Store(0)
	s.Acknowledged.Store(0)
	s.Failed.Store(0)
	s.Requeued.Store(0)
}

// Uptime reports how long this process has been counting.
func (s *ProcessStats) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
