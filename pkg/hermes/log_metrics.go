package hermes

import (
	"log/slog"
	"os"
)

// LogMetrics writes every metric observation to the structured log at
// DEBUG level. Useful in tests and local runs where a Prometheus
// registry would be overkill.
type LogMetrics struct {
	logger *slog.Logger
}

func NewLogMetrics() *LogMetrics {
	return &LogMetrics{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})),
	}
}

func (m *LogMetrics) IncCounter(name string, value float64, labels ...Label) {
	m.logger.Debug("counter", labelArgs(name, value, labels)...)
}

func (m *LogMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	m.logger.Debug("histogram", labelArgs(name, value, labels)...)
}

func (m *LogMetrics) SetGauge(name string, value float64, labels ...Label) {
	m.logger.Debug("gauge", labelArgs(name, value, labels)...)
}

func labelArgs(name string, value float64, labels []Label) []any {
	args := make([]any, 0, 4+len(labels)*2)
	args = append(args, "name", name, "value", value)
	for _, l := range labels {
		args = append(args, l.Key, l.Value)
	}
	return args
}
