package hermes

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter() *SlogAdapter {
	return &SlogAdapter{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
}

// NewSlogAdapterWithLevel builds an adapter honouring a textual level
// ("DEBUG", "INFO", "WARN", "ERROR"); unknown values fall back to INFO.
func NewSlogAdapterWithLevel(level string) *SlogAdapter {
	return &SlogAdapter{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: ParseLevel(level),
		})),
	}
}

// ParseLevel maps a textual log level onto a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, fieldArgs(fields)...)
}

func (l *SlogAdapter) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.logger.WarnContext(ctx, msg, fieldArgs(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, fieldArgs(fields)...)
}

func fieldArgs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}

type NoopLogger struct{}

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (l *NoopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields map[string]any)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}
