package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// timelineRepository пишет историю заказов в timeline_events.
type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO timeline_events (order_number, type, reason, actor, occurred)
		VALUES ($1,$2,$3,$4,$5)
	`, event.OrderNumber, event.Type, event.Reason, event.Actor, event.Occurred.UTC()); err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderNumber string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_number, type, reason, actor, occurred
		FROM timeline_events
		WHERE order_number = $1
		ORDER BY occurred ASC, id ASC
	`, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var event domain.TimelineEvent
		if err := rows.Scan(&event.OrderNumber, &event.Type, &event.Reason, &event.Actor, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
