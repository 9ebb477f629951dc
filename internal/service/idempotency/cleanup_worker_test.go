package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

var _ domain.IdempotencyRepository = (*stubCleanupRepo)(nil)

func TestCleanupWorker_DeleteExpired_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{
		deleteResults: []int{2, 2, 1},
	}

	worker := NewCleanupWorker(repo, WithBatchSize(2))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}

	if deleted != 5 {
		t.Fatalf("unexpected deleted total: got=%d want=5", deleted)
	}

	if calls := repo.calls(); calls != 3 {
		t.Fatalf("unexpected delete calls: got=%d want=3", calls)
	}
}

func TestCleanupWorker_DeleteExpired_Error(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{
		deleteErrors: []error{errors.New("boom")},
	}

	worker := NewCleanupWorker(repo, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected DeleteExpired error")
	}
	if deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{
		deleteResults: []int{0, 0, 0},
	}

	worker := NewCleanupWorker(
		repo,
		WithInterval(5*time.Millisecond),
		WithBatchSize(10),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := repo.calls(); calls == 0 {
		t.Fatal("expected cleanup to be called at least once")
	}
}

func TestCleanupWorker_RecordsMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	repo := &stubCleanupRepo{
		deleteResults: []int{3},
	}
	worker := NewCleanupWorker(repo, WithBatchSize(10), WithMetrics(metrics.NewCleanupMetrics(registry)))

	worker.cleanup(context.Background())

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var deleted float64
	for _, family := range families {
		if family.GetName() == "storefront_idempotency_cleanup_deleted_total" {
			deleted = family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if deleted != 3 {
		t.Fatalf("unexpected deleted counter: got=%v want=3", deleted)
	}
}

func TestCleanupWorker_DeleteExpired_StopsAtBatchLimit(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{2, 2, 2, 2}}
	worker := NewCleanupWorker(repo, WithBatchSize(2), WithMaxBatches(3))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 6 || repo.calls() != 3 {
		t.Fatalf("expected 3 batches / 6 keys, got calls=%d deleted=%d", repo.calls(), deleted)
	}
}

func TestCleanupWorker_GracePeriodShiftsCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubCleanupRepo{}
	worker := NewCleanupWorker(repo, WithGracePeriod(time.Hour))
	worker.now = func() time.Time { return now }

	worker.cleanup(context.Background())

	if got := repo.lastBefore(); !got.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected cutoff: %s", got)
	}
}

type stubCleanupRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
	before        time.Time
}

func (s *stubCleanupRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkDone(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkFailed(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) Release(context.Context, string) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) DeleteExpired(_ context.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.before = before

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}

	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubCleanupRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubCleanupRepo) lastBefore() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.before
}
