// Package orders обслуживает чтение истории заказов и административную смену статуса.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// DefaultListLimit ограничивает историю заказов одного пользователя.
const DefaultListLimit = 100

// Service реализует сценарии чтения заказов и смены статуса.
type Service struct {
	repo     domain.OrderRepository
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер компонента.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает счётчик смен статуса.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithOutbox включает публикацию order.status_changed.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = repo
	}
}

// NewService конструирует сервис заказов.
func NewService(repo domain.OrderRepository, timeline domain.TimelineRepository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		timeline: timeline,
		logger:   log.WithField("component", "orders"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get возвращает заказ пользователя. Чужой заказ неотличим от отсутствующего.
func (s *Service) Get(ctx context.Context, userID, number string) (domain.Order, error) {
	order, err := s.repo.GetByNumber(ctx, number)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != userID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListForUser возвращает заказы пользователя, новые первыми.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// ListAll возвращает заказы всех пользователей для администратора, новые первыми.
func (s *Service) ListAll(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.repo.ListAll(ctx, limit)
}

// Timeline возвращает историю заказа пользователя.
func (s *Service) Timeline(ctx context.Context, userID, number string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, userID, number); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(ctx, number)
}

// ChangeStatus переводит заказ в новый статус от имени администратора.
//
// Смена статуса фиксируется первой; запись истории и событие outbox пишутся после
// неё и при сбое только логируются.
func (s *Service) ChangeStatus(ctx context.Context, number string, next domain.OrderStatus, changedBy string) (domain.Order, error) {
	if !next.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q", domain.ErrInvalidOrderStatus, next)
	}

	order, prev, err := s.repo.UpdateStatus(ctx, number, next)
	if err != nil {
		return domain.Order{}, err
	}

	logger := s.logger.WithFields(log.Fields{
		"order_number": number,
		"from":         prev,
		"to":           next,
	})
	logger.Info("order status changed")
	s.metrics.RecordStatusChange(string(next))

	// Запросный контекст мог уже закончиться, а статус зафиксирован.
	bg := context.WithoutCancel(ctx)
	changedAt := s.now().UTC()

	if s.timeline != nil {
		event := domain.TimelineEvent{
			OrderNumber: number,
			Type:        domain.TimelineStatusChanged,
			Reason:      fmt.Sprintf("%s -> %s", prev, next),
			Actor:       changedBy,
			Occurred:    changedAt,
		}
		if err := s.timeline.Append(bg, event); err != nil {
			logger.WithError(err).Warn("failed to append timeline event")
		}
	}

	if s.outbox != nil {
		if err := s.enqueueStatusChanged(bg, number, prev, next, changedBy, changedAt); err != nil {
			logger.WithError(err).Warn("failed to enqueue status change event")
		}
	}

	return order, nil
}

func (s *Service) enqueueStatusChanged(ctx context.Context, number string, prev, next domain.OrderStatus, changedBy string, at time.Time) error {
	payload, err := json.Marshal(domain.OrderStatusChangedEvent{
		OrderNumber: number,
		From:        prev,
		To:          next,
		ChangedBy:   changedBy,
		ChangedAt:   at,
	})
	if err != nil {
		return fmt.Errorf("marshal status change event: %w", err)
	}

	_, err = s.outbox.Enqueue(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateOrder,
		AggregateID:   number,
		EventType:     domain.EventOrderStatusChanged,
		Payload:       payload,
		CreatedAt:     at,
	})
	return err
}
