package cocytus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/obol"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
	"github.com/acheron-mq/acheron/pkg/styx"
)

// StreamSink writes condemned messages to the queue's dead-letter stream
// and removes every trace of them from their source band in one pipeline.
type StreamSink struct {
	sub    *styx.Substrate
	codec  *obol.Codec
	layout *phlegethon.Layout
	logger hermes.Logger
}

// NewStreamSink creates a sink for the queue described by layout.
func NewStreamSink(sub *styx.Substrate, codec *obol.Codec, layout *phlegethon.Layout, logger hermes.Logger) *StreamSink {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &StreamSink{sub: sub, codec: codec, layout: layout, logger: logger}
}

// Divert stamps the message with its failure, appends it to the
// dead-letter stream and clears the source entry and metadata record.
func (s *StreamSink) Divert(ctx context.Context, rec *Record) error {
	dead := rec.Message.WithoutLock()
	dead.FailedAt = domain.UnixSeconds(time.Now())
	if rec.Reason != "" {
		dead.LastError = rec.Reason
	}

	encoded, err := s.codec.Encode(dead)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", rec.Message.ID, err)
	}

	_, err = s.sub.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.layout.DLQ(),
			Values: map[string]any{"data": encoded},
		})
		if rec.SrcID != "" {
			if rec.Group != "" {
				pipe.XAck(ctx, rec.SrcStream, rec.Group, rec.SrcID)
			}
			pipe.XDel(ctx, rec.SrcStream, rec.SrcID)
		}
		pipe.HDel(ctx, s.layout.MetadataKey(), rec.Message.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to divert %s to dead letter stream: %w", rec.Message.ID, err)
	}

	s.logger.Info(ctx, "message diverted to dead letter stream", map[string]any{
		"id":       rec.Message.ID,
		"reason":   dead.LastError,
		"attempts": dead.AttemptCount,
	})
	return nil
}
