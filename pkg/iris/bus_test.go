package iris

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/styx"
)

func makeMessages(n int) []*domain.Message {
	msgs := make([]*domain.Message, n)
	for i := range msgs {
		msgs[i] = &domain.Message{
			ID:      domain.NewMessageID(),
			Type:    "email",
			Payload: json.RawMessage(`{}`),
		}
	}
	return msgs
}

func TestEnqueueEvent_Shapes(t *testing.T) {
	single := EnqueueEvent(makeMessages(1))
	if single.Type != TypeEnqueue || single.Payload["count"] != 1 {
		t.Errorf("Unexpected single event: %+v", single)
	}
	if _, ok := single.Payload["message"]; !ok {
		t.Error("Expected single enqueue to inline the message")
	}

	small := EnqueueEvent(makeMessages(50))
	if _, ok := small.Payload["messages"]; !ok {
		t.Error("Expected batch of 50 to inline messages")
	}
	if _, ok := small.Payload["force_refresh"]; ok {
		t.Error("Expected batch of 50 not to force a refresh")
	}

	large := EnqueueEvent(makeMessages(51))
	if _, ok := large.Payload["messages"]; ok {
		t.Error("Expected batch of 51 not to inline messages")
	}
	if large.Payload["force_refresh"] != true {
		t.Errorf("Expected force_refresh for large batch, got %+v", large.Payload)
	}
	if large.Payload["count"] != 51 {
		t.Errorf("Expected count 51, got %v", large.Payload["count"])
	}

	if single.Timestamp == 0 {
		t.Error("Expected event timestamp to be set")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	events, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(ctx, AckEvent("msg-1")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	select {
	case event := <-events:
		if event.Type != TypeAcknowledge || event.Payload["id"] != "msg-1" {
			t.Errorf("Unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	_, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(ctx, RequeueEvent(1))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestMemoryBus_CancelStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	events, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()
	cancel()

	if _, ok := <-events; ok {
		t.Error("Expected channel to be closed after cancel")
	}
	if err := bus.Publish(ctx, AckEvent("msg-1")); err != nil {
		t.Fatalf("Publish after cancel failed: %v", err)
	}
}

func TestRedisBus_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := styx.NewWithClient(client, nil)
	defer sub.Close()

	bus := NewRedisBus(sub, "orders_events", nil)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	events, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(ctx, MoveEvent("dead", "main", 2)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	select {
	case event := <-events:
		if event.Type != TypeMove {
			t.Errorf("Expected move event, got %s", event.Type)
		}
		if event.Payload["from"] != "dead" || event.Payload["to"] != "main" {
			t.Errorf("Unexpected payload: %+v", event.Payload)
		}
		// JSON numbers decode as float64.
		if event.Payload["count"] != float64(2) {
			t.Errorf("Expected count 2, got %v", event.Payload["count"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

type failingBus struct{}

func (failingBus) Publish(ctx context.Context, event Event) error {
	return errors.New("broken pipe")
}

func (failingBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	return nil, nil, errors.New("broken pipe")
}

func TestEmitter_SwallowsPublishFailure(t *testing.T) {
	emitter := Emitter{Bus: failingBus{}}
	emitter.Emit(context.Background(), AckEvent("msg-1"))

	emitter = Emitter{}
	emitter.Emit(context.Background(), AckEvent("msg-1"))
}
