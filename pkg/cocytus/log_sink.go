package cocytus

import (
	"context"
	"log/slog"
)

// LogSink is a simple dead letter sink that logs condemned messages to
// the standard logger. It keeps nothing.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a new LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

// Divert logs the dead letter at ERROR level.
func (s *LogSink) Divert(ctx context.Context, rec *Record) error {
	s.logger.Error("Dead letter received",
		"id", rec.Message.ID,
		"type", rec.Message.Type,
		"reason", rec.Reason,
		"attempts", rec.Message.AttemptCount,
	)
	return nil
}
