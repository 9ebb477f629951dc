package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOutboxRepository_EnqueueAndPull(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   "ORD-0000000A",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"status":"pending"}`),
	}

	saved, err := repo.Enqueue(ctx, msg)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	pending, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
	if pending[0].ID != saved.ID {
		t.Fatalf("expected same message id, got %s", pending[0].ID)
	}
}

func TestOutboxRepository_PullPendingOldestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	first, _ := repo.Enqueue(ctx, domain.OutboxMessage{ID: "a"})
	time.Sleep(time.Millisecond)
	_, _ = repo.Enqueue(ctx, domain.OutboxMessage{ID: "b"})
	time.Sleep(time.Millisecond)
	_, _ = repo.Enqueue(ctx, domain.OutboxMessage{ID: "c"})

	pending, err := repo.PullPending(ctx, 2)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != "b" {
		t.Fatalf("unexpected order %+v", pending)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 3 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOutboxRepository_MarkSentAndFailed(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	saved, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := repo.MarkSent(ctx, saved.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	if len(repo.AllPending()) != 0 {
		t.Fatal("sent message must leave the backlog")
	}

	if err := repo.MarkFailed(ctx, saved.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := repo.MarkFailed(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing record")
	}
}
