package iris

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/styx"
)

// Bus publishes and subscribes queue change events.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// subscriberBuffer is the per-subscriber channel depth; events beyond it
// are dropped rather than blocking the publisher.
const subscriberBuffer = 64

// RedisBus carries events over one Redis pub/sub channel.
type RedisBus struct {
	sub     *styx.Substrate
	channel string
	logger  hermes.Logger
}

// NewRedisBus creates a bus over the given pub/sub channel.
func NewRedisBus(sub *styx.Substrate, channel string, logger hermes.Logger) *RedisBus {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &RedisBus{sub: sub, channel: channel, logger: logger}
}

// Publish sends one event to every current subscriber.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	return b.sub.Publish(ctx, b.channel, string(data))
}

// Subscribe opens a dedicated subscriber connection and streams decoded
// events until the returned cancel function is called or the context
// ends. Slow consumers lose events instead of blocking the feed.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	pubsub, err := b.sub.Subscribe(ctx, b.channel)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn(ctx, "dropping malformed change event", map[string]any{
						"error": err.Error(),
					})
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

// Emitter wraps a Bus with the broker's best-effort publish policy:
// failures are logged and swallowed, never returned to the mutation path.
type Emitter struct {
	Bus    Bus
	Logger hermes.Logger
}

// Emit publishes the event, logging any failure.
func (e Emitter) Emit(ctx context.Context, event Event) {
	if e.Bus == nil {
		return
	}
	if err := e.Bus.Publish(ctx, event); err != nil && e.Logger != nil {
		e.Logger.Warn(ctx, "failed to publish change event", map[string]any{
			"type":  event.Type,
			"error": err.Error(),
		})
	}
}
