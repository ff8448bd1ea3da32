package erinyes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/cocytus"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/iris"
	"github.com/acheron-mq/acheron/pkg/obol"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
	"github.com/acheron-mq/acheron/pkg/styx"
)

func reclaimerFixture(t *testing.T) (*Reclaimer, *acheron.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := styx.NewWithClient(client, nil)
	t.Cleanup(func() { sub.Close() })

	layout := phlegethon.NewLayout("orders", 10)
	codec := obol.New("", false)
	b := acheron.New(sub, codec, layout, nil)
	b.Consumer = "consumer-test"
	b.AckTimeout = 1
	b.MaxAttempts = 2

	sink := cocytus.NewStreamSink(sub, codec, layout, nil)
	r := NewReclaimer(b, sink, nil, DefaultInterval)
	return r, b, mr
}

// TestReclaimer_RetryThenDeadLetter walks a message through the full
// expiry cycle: one requeue, then dead-letter on the next expiry.
func TestReclaimer_RetryThenDeadLetter(t *testing.T) {
	r, b, mr := reclaimerFixture(t)
	ctx := context.Background()

	stored, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	first, err := b.Dequeue(ctx, 0)
	if err != nil || first == nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if first.AttemptCount != 1 {
		t.Fatalf("Expected attempt 1, got %d", first.AttemptCount)
	}

	// First expiry: under the attempt limit, so the message goes back.
	mr.FastForward(2 * time.Second)
	requeued, deadLettered, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Failed first sweep: %v", err)
	}
	if requeued != 1 || deadLettered != 0 {
		t.Fatalf("Expected 1 requeue, got %d/%d", requeued, deadLettered)
	}
	if n, _ := b.Sub.Len(ctx, "orders"); n != 1 {
		t.Fatalf("Expected message back in base band, got %d entries", n)
	}
	meta, _ := b.Meta.Get(ctx, stored.ID)
	if meta == nil || meta.AttemptCount != 2 {
		t.Fatalf("Expected attempt count 2 after requeue, got %+v", meta)
	}

	second, err := b.Dequeue(ctx, 0)
	if err != nil || second == nil {
		t.Fatalf("Failed second dequeue: %v", err)
	}
	if second.AttemptCount != 3 {
		t.Errorf("Expected attempt 3 on redelivery, got %d", second.AttemptCount)
	}

	// Second expiry: attempts are spent, so the message is condemned.
	mr.FastForward(2 * time.Second)
	requeued, deadLettered, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Failed second sweep: %v", err)
	}
	if requeued != 0 || deadLettered != 1 {
		t.Fatalf("Expected 1 dead letter, got %d/%d", requeued, deadLettered)
	}

	deadEntries, err := b.Sub.RangeAll(ctx, "orders_dlq")
	if err != nil || len(deadEntries) != 1 {
		t.Fatalf("Expected 1 dead letter entry, got %d (err %v)", len(deadEntries), err)
	}
	dead, err := b.Codec.Decode(deadEntries[0].Values["data"].(string))
	if err != nil {
		t.Fatalf("Failed to decode dead letter: %v", err)
	}
	if dead.ID != stored.ID || dead.LastError != "Max attempts exceeded" {
		t.Errorf("Unexpected dead letter: %+v", dead)
	}

	if meta, _ := b.Meta.Get(ctx, stored.ID); meta != nil {
		t.Errorf("Expected metadata purged, got %+v", meta)
	}
	if n, _ := b.Sub.Len(ctx, "orders"); n != 0 {
		t.Errorf("Expected base band empty, got %d entries", n)
	}
	if got := b.Stats.Requeued.Load(); got != 1 {
		t.Errorf("Expected 1 requeue in stats, got %d", got)
	}
}

func TestReclaimer_FreshDeliveriesLeftAlone(t *testing.T) {
	r, b, _ := reclaimerFixture(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	requeued, deadLettered, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Failed sweep: %v", err)
	}
	if requeued != 0 || deadLettered != 0 {
		t.Fatalf("Expected fresh delivery untouched, got %d/%d", requeued, deadLettered)
	}
	pending, _ := b.Sub.Pending(ctx, "orders", b.Group, 10)
	if len(pending) != 1 {
		t.Errorf("Expected delivery still pending, got %d", len(pending))
	}
}

func TestReclaimer_LeaseBlocksConcurrentSweep(t *testing.T) {
	r, b, mr := reclaimerFixture(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	mr.FastForward(2 * time.Second)

	token, ok, err := b.Sub.AcquireLease(ctx, "orders_reclaim_lock", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("Failed to take lease: %v", err)
	}

	requeued, deadLettered, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep with held lease failed: %v", err)
	}
	if requeued != 0 || deadLettered != 0 {
		t.Fatalf("Expected sweep to yield, got %d/%d", requeued, deadLettered)
	}

	if err := b.Sub.ReleaseLease(ctx, "orders_reclaim_lock", token); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}
	requeued, _, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep after release failed: %v", err)
	}
	if requeued != 1 {
		t.Errorf("Expected 1 requeue after release, got %d", requeued)
	}
}

func TestReclaimer_CustomTimeoutPrecedence(t *testing.T) {
	r, b, mr := reclaimerFixture(t)
	ctx := context.Background()

	slow := 600.0
	stored, err := b.Enqueue(ctx, &domain.Message{
		Type:             "job",
		Payload:          json.RawMessage(`{}`),
		CustomAckTimeout: &slow,
	})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	// Idle far beyond the 1s global timeout, still under the message's own.
	mr.FastForward(5 * time.Second)
	requeued, deadLettered, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Failed sweep: %v", err)
	}
	if requeued != 0 || deadLettered != 0 {
		t.Fatalf("Expected message-level timeout to hold, got %d/%d", requeued, deadLettered)
	}

	// An operator shortens the in-flight timeout; the next sweep acts.
	if err := b.Meta.SetAckTimeout(ctx, stored.ID, 2); err != nil {
		t.Fatalf("Failed to override timeout: %v", err)
	}
	requeued, _, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Failed second sweep: %v", err)
	}
	if requeued != 1 {
		t.Errorf("Expected metadata override to win, got %d requeues", requeued)
	}
}

func TestReclaimer_DanglingClaimDropped(t *testing.T) {
	r, b, mr := reclaimerFixture(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	msg, err := b.Dequeue(ctx, 0)
	if err != nil || msg == nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	// Delete the entry out from under the pending list.
	if _, err := b.Sub.Delete(ctx, "orders", msg.StreamID); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}
	mr.FastForward(2 * time.Second)

	requeued, deadLettered, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Failed sweep: %v", err)
	}
	if requeued != 0 || deadLettered != 0 {
		t.Fatalf("Expected dangling claim to be dropped quietly, got %d/%d", requeued, deadLettered)
	}
	pending, _ := b.Sub.Pending(ctx, "orders", b.Group, 10)
	if len(pending) != 0 {
		t.Errorf("Expected pending list cleared, got %d", len(pending))
	}
}

func TestReclaimer_EmitsRequeueEvent(t *testing.T) {
	r, b, mr := reclaimerFixture(t)
	ctx := context.Background()

	bus := iris.NewMemoryBus()
	b.Events = iris.Emitter{Bus: bus}
	events, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer cancel()

	if _, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Failed sweep: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == iris.TypeRequeue {
				if event.Payload["count"] != 1 {
					t.Errorf("Expected count 1, got %v", event.Payload["count"])
				}
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for requeue event")
		}
	}
}
