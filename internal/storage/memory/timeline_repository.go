package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// timelineRepositoryInMemory хранит историю заказов, упорядоченную по времени события.
type timelineRepositoryInMemory struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     time.Now,
	}
}

// Append вставляет событие после всех событий с тем же или более ранним временем.
func (r *timelineRepositoryInMemory) Append(_ context.Context, event domain.TimelineEvent) error {
	if event.Occurred.IsZero() {
		event.Occurred = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.byOrder[event.OrderNumber]
	pos := len(history)
	for pos > 0 && history[pos-1].Occurred.After(event.Occurred) {
		pos--
	}
	r.byOrder[event.OrderNumber] = slices.Insert(history, pos, event)
	return nil
}

func (r *timelineRepositoryInMemory) List(_ context.Context, orderNumber string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.byOrder[orderNumber]), nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
