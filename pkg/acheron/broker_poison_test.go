package acheron

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/obol"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
	"github.com/acheron-mq/acheron/pkg/styx"
)

// TestBroker_PoisonEntriesDiscarded verifies that undecodable entries are
// settled and skipped instead of wedging the band.
func TestBroker_PoisonEntriesDiscarded(t *testing.T) {
	b, sub := brokerFixture(t)
	ctx := context.Background()

	// Inject corrupt entries directly, bypassing the codec.
	if _, err := sub.Append(ctx, "orders", map[string]any{"data": "{invalid-json"}); err != nil {
		t.Fatalf("Failed to inject corrupt entry: %v", err)
	}
	if _, err := sub.Append(ctx, "orders", map[string]any{"blob": "no data field"}); err != nil {
		t.Fatalf("Failed to inject field-less entry: %v", err)
	}

	valid, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Failed to enqueue valid message: %v", err)
	}

	msg, err := b.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue past poison entries: %v", err)
	}
	if msg == nil || msg.ID != valid.ID {
		t.Fatalf("Expected valid message, got %+v", msg)
	}

	// Both poison entries must be gone from the stream and its PEL.
	n, _ := sub.Len(ctx, "orders")
	if n != 1 {
		t.Errorf("Expected only the valid entry to remain, got %d", n)
	}
	pending, _ := sub.Pending(ctx, "orders", b.Group, 10)
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending entry, got %d", len(pending))
	}
}

// TestBroker_TamperedEntryDiscarded runs the signed codec and verifies a
// payload altered in place never reaches a consumer.
func TestBroker_TamperedEntryDiscarded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := styx.NewWithClient(client, nil)
	defer sub.Close()

	b := New(sub, obol.New("topsecret", true), phlegethon.NewLayout("orders", 10), nil)
	b.Consumer = "consumer-test"
	ctx := context.Background()

	// A forged entry whose signature does not match its body.
	if _, err := sub.Append(ctx, "orders", map[string]any{"data": `{"id":"forged","type":"admin"}|deadbeef`}); err != nil {
		t.Fatalf("Failed to inject forged entry: %v", err)
	}

	valid, err := b.Enqueue(ctx, &domain.Message{Type: "job", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Failed to enqueue valid message: %v", err)
	}

	msg, err := b.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if msg == nil || msg.ID != valid.ID {
		t.Fatalf("Expected the signed message, got %+v", msg)
	}

	if n, _ := sub.Len(ctx, "orders"); n != 1 {
		t.Errorf("Expected forged entry discarded, stream has %d entries", n)
	}
}
