package minos

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/obol"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
	"github.com/acheron-mq/acheron/pkg/styx"
)

func queryFixture(t *testing.T) (*Query, *acheron.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := styx.NewWithClient(client, nil)
	t.Cleanup(func() { sub.Close() })

	layout := phlegethon.NewLayout("orders", 10)
	b := acheron.New(sub, obol.New("", false), layout, nil)
	b.Consumer = "consumer-test"
	return NewQuery(b, nil), b, mr
}

func containsID(msgs []*domain.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// TestQuery_MainExcludesPending checks the core structural rule: an
// entry sitting in a pending list belongs to processing, not main.
func TestQuery_MainExcludesPending(t *testing.T) {
	q, b, _ := queryFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, &domain.Message{Type: "job"}); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
	held, err := b.Dequeue(ctx, 0)
	if err != nil || held == nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	main, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query main: %v", err)
	}
	if main.Pagination.Total != 2 {
		t.Fatalf("Expected 2 waiting messages, got %d", main.Pagination.Total)
	}
	if containsID(main.Messages, held.ID) {
		t.Fatalf("Claimed message %s still visible in main", held.ID)
	}

	processing, err := q.Messages(ctx, domain.QueueProcessing, domain.QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query processing: %v", err)
	}
	if processing.Pagination.Total != 1 {
		t.Fatalf("Expected 1 processing message, got %d", processing.Pagination.Total)
	}
	got := processing.Messages[0]
	if got.ID != held.ID {
		t.Fatalf("Expected %s in processing, got %s", held.ID, got.ID)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("Expected attempt count 1, got %d", got.AttemptCount)
	}
	if got.ProcessingStartedAt == 0 || got.DequeuedAt == 0 {
		t.Fatalf("Expected delivery timestamps, got %+v", got)
	}
}

func TestQuery_Filters(t *testing.T) {
	q, b, _ := queryFixture(t)
	ctx := context.Background()

	email, err := b.Enqueue(ctx, &domain.Message{
		Type:     "email",
		Priority: 3,
		Payload:  json.RawMessage(`{"to":"Alice@example.com"}`),
	})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	sms, err := b.Enqueue(ctx, &domain.Message{
		Type:     "sms",
		Priority: 5,
		Payload:  json.RawMessage(`{"to":"+15550100"}`),
	})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	// Seed a retry trail so the attempts filter has something to find.
	if err := b.Meta.Put(ctx, sms.ID, &domain.Meta{AttemptCount: 4, LastError: "carrier timeout"}); err != nil {
		t.Fatalf("Failed to seed metadata: %v", err)
	}

	byType, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{FilterType: "email"})
	if err != nil {
		t.Fatalf("Failed to filter by type: %v", err)
	}
	if byType.Pagination.Total != 1 || byType.Messages[0].ID != email.ID {
		t.Fatalf("Expected only the email message, got %+v", byType.Messages)
	}

	prio := 5
	byPriority, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{FilterPriority: &prio})
	if err != nil {
		t.Fatalf("Failed to filter by priority: %v", err)
	}
	if byPriority.Pagination.Total != 1 || byPriority.Messages[0].ID != sms.ID {
		t.Fatalf("Expected only the sms message, got %+v", byPriority.Messages)
	}

	byAttempts, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{FilterMinAttempts: 2})
	if err != nil {
		t.Fatalf("Failed to filter by attempts: %v", err)
	}
	if byAttempts.Pagination.Total != 1 || byAttempts.Messages[0].ID != sms.ID {
		t.Fatalf("Expected only the retried message, got %+v", byAttempts.Messages)
	}
	if byAttempts.Messages[0].AttemptCount != 4 || byAttempts.Messages[0].LastError != "carrier timeout" {
		t.Fatalf("Expected metadata merged into the view, got %+v", byAttempts.Messages[0])
	}

	bySearch, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{Search: "ALICE"})
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if bySearch.Pagination.Total != 1 || bySearch.Messages[0].ID != email.ID {
		t.Fatalf("Expected case-insensitive payload match, got %+v", bySearch.Messages)
	}
}

func TestQuery_DateBounds(t *testing.T) {
	q, b, _ := queryFixture(t)
	ctx := context.Background()

	early, err := b.Enqueue(ctx, &domain.Message{Type: "job", CreatedAt: 1000})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	late, err := b.Enqueue(ctx, &domain.Message{Type: "job", CreatedAt: 2000})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	after, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{StartDate: "1500"})
	if err != nil {
		t.Fatalf("Failed to query with start date: %v", err)
	}
	if after.Pagination.Total != 1 || after.Messages[0].ID != late.ID {
		t.Fatalf("Expected only the late message, got %+v", after.Messages)
	}

	before, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{
		EndDate: time.Unix(1500, 0).UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("Failed to query with end date: %v", err)
	}
	if before.Pagination.Total != 1 || before.Messages[0].ID != early.ID {
		t.Fatalf("Expected only the early message, got %+v", before.Messages)
	}
}

func TestQuery_SortAndPaginate(t *testing.T) {
	q, b, _ := queryFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, &domain.Message{
			Type:      fmt.Sprintf("job-%d", i),
			Priority:  i,
			CreatedAt: float64(1000 + i),
		})
		if err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	asc, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{SortBy: "priority", SortOrder: "asc"})
	if err != nil {
		t.Fatalf("Failed to sort: %v", err)
	}
	if asc.Messages[0].Priority != 0 || asc.Messages[4].Priority != 4 {
		t.Fatalf("Expected ascending priorities, got %+v", asc.Messages)
	}

	// Default view is newest first.
	recent, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if recent.Messages[0].CreatedAt != 1004 {
		t.Fatalf("Expected newest first by default, got %+v", recent.Messages[0])
	}

	page, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{
		SortBy:    "created_at",
		SortOrder: "asc",
		Page:      2,
		Limit:     2,
	})
	if err != nil {
		t.Fatalf("Failed to paginate: %v", err)
	}
	if page.Pagination.Total != 5 || page.Pagination.TotalPages != 3 || page.Pagination.Page != 2 {
		t.Fatalf("Unexpected pagination: %+v", page.Pagination)
	}
	if len(page.Messages) != 2 || page.Messages[0].CreatedAt != 1002 || page.Messages[1].CreatedAt != 1003 {
		t.Fatalf("Unexpected page contents: %+v", page.Messages)
	}

	empty, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{Page: 99, Limit: 2})
	if err != nil {
		t.Fatalf("Failed to query past the end: %v", err)
	}
	if len(empty.Messages) != 0 || empty.Pagination.Total != 5 {
		t.Fatalf("Expected empty page with full total, got %+v", empty)
	}
}

// TestQuery_TamperedEntryExcluded plants an entry with a forged
// signature; the view drops it instead of failing the whole query.
func TestQuery_TamperedEntryExcluded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := styx.NewWithClient(client, nil)
	t.Cleanup(func() { sub.Close() })

	layout := phlegethon.NewLayout("orders", 10)
	b := acheron.New(sub, obol.New("topsecret", true), layout, nil)
	b.Consumer = "consumer-test"
	q := NewQuery(b, nil)
	ctx := context.Background()

	stored, err := b.Enqueue(ctx, &domain.Message{Type: "job"})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := sub.Append(ctx, "orders", map[string]any{"data": `{"id":"forged","type":"job"}|deadbeef`}); err != nil {
		t.Fatalf("Failed to plant forged entry: %v", err)
	}

	result, err := q.Messages(ctx, domain.QueueMain, domain.QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if result.Pagination.Total != 1 || result.Messages[0].ID != stored.ID {
		t.Fatalf("Expected only the signed message, got %+v", result.Messages)
	}
}
