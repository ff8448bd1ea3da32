package acheron

import (
	"context"
	"time"

	"github.com/acheron-mq/acheron/pkg/domain"
)

// Queue is Acheron: the river every message must cross to reach a worker.

type Queue interface {
	Enqueue(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	Dequeue(ctx context.Context, timeout time.Duration) (*domain.Message, error)
	Ack(ctx context.Context, msg *domain.Message) error
	Fail(ctx context.Context, msg *domain.Message, reason string) error
}
