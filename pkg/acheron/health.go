package acheron

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
)

// CollectMetrics gathers stream depths and counters for every structure
// the queue owns, exporting them as gauges along the way.
func (b *Broker) CollectMetrics(ctx context.Context) (*domain.BrokerMetrics, error) {
	out := &domain.BrokerMetrics{
		Queue: b.Layout.Queue(),
		Bands: make([]domain.BandMetrics, 0, b.Layout.Levels()),
	}

	for p := 0; p < b.Layout.Levels(); p++ {
		stream := b.Layout.Band(p)
		length, err := b.Sub.Len(ctx, stream)
		if err != nil {
			return nil, err
		}
		pending, err := b.Sub.PendingCount(ctx, stream, b.Group)
		if err != nil {
			return nil, err
		}
		out.Bands = append(out.Bands, domain.BandMetrics{
			Stream:   stream,
			Priority: p,
			Length:   length,
			Pending:  pending,
		})
		b.Metrics.SetGauge("band_length", float64(length), hermes.Label{Key: "stream", Value: stream})
		b.Metrics.SetGauge("band_pending", float64(pending), hermes.Label{Key: "stream", Value: stream})
	}

	var err error
	if out.ManualLength, err = b.Sub.Len(ctx, b.Layout.Manual()); err != nil {
		return nil, err
	}
	if out.ManualPending, err = b.Sub.PendingCount(ctx, b.Layout.Manual(), b.Group); err != nil {
		return nil, err
	}
	if out.DeadLength, err = b.Sub.Len(ctx, b.Layout.DLQ()); err != nil {
		return nil, err
	}
	if out.AckHistory, err = b.Sub.Len(ctx, b.Layout.AckHistory()); err != nil {
		return nil, err
	}
	if out.TotalAcked, err = b.Sub.CounterValue(ctx, b.Layout.TotalAckedKey()); err != nil {
		return nil, err
	}
	if out.MetadataCount, err = b.Meta.Len(ctx); err != nil {
		return nil, err
	}
	out.Stats = b.Stats.Snapshot()

	b.Metrics.SetGauge("dead_length", float64(out.DeadLength))
	b.Metrics.SetGauge("metadata_count", float64(out.MetadataCount))
	return out, nil
}

// Health pings the substrate and, when reachable, embeds a metrics
// snapshot and local process statistics.
func (b *Broker) Health(ctx context.Context) *domain.Health {
	h := &domain.Health{Status: "ok"}

	latency, err := b.Sub.Ping(ctx)
	if err != nil {
		h.Status = "unavailable"
		return h
	}
	h.PingMillis = float64(latency.Microseconds()) / 1000.0

	if metrics, err := b.CollectMetrics(ctx); err == nil {
		h.Metrics = metrics
	} else {
		b.Logger.Warn(ctx, "failed to collect metrics for health report", map[string]any{
			"error": err.Error(),
		})
	}
	h.Process = b.processInfo()
	return h
}

func (b *Broker) processInfo() *domain.ProcessInfo {
	info := &domain.ProcessInfo{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: b.Stats.Uptime().Seconds(),
	}
	proc, err := process.NewProcess(info.PID)
	if err != nil {
		return info
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	return info
}
