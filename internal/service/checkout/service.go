// Package checkout реализует атомарное оформление заказа: резервирование остатков
// под пессимистичной блокировкой, расчёт суммы и материализацию заказа в одной транзакции.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	// DefaultOrderNumberAttempts — число попыток подобрать свободный номер заказа.
	DefaultOrderNumberAttempts = 5
	// DefaultSerializationRetries — сколько раз повторяется вся транзакция после deadlock.
	DefaultSerializationRetries = 1
)

// Service — координатор оформления заказа. Безопасен для конкурентного использования.
type Service struct {
	store    domain.CheckoutStore
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.CheckoutMetrics

	newOrderNumber      func() (string, error)
	orderNumberAttempts int
	txRetries           int
	sortedLocks         bool
	now                 func() time.Time
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

// WithMetrics подключает prometheus-метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTimeline включает запись события создания в историю заказа после commit.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = repo
	}
}

// WithOrderNumberGenerator подменяет генератор номеров заказа.
func WithOrderNumberGenerator(gen func() (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.newOrderNumber = gen
		}
	}
}

// WithOrderNumberAttempts задаёт предел попыток при коллизии номера.
func WithOrderNumberAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.orderNumberAttempts = n
		}
	}
}

// WithSerializationRetries задаёт число повторов всей транзакции после deadlock
// или конфликта сериализации. 0 отключает повторы.
func WithSerializationRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.txRetries = n
		}
	}
}

// WithSortedLocking включает блокировку товаров по возрастанию id до проверки строк.
// Исключает взаимоблокировки между заказами с разным порядком позиций.
func WithSortedLocking(enabled bool) Option {
	return func(s *Service) {
		s.sortedLocks = enabled
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт координатор поверх хранилища с поддержкой транзакций.
func NewService(store domain.CheckoutStore, opts ...Option) *Service {
	s := &Service{
		store:               store,
		logger:              log.New().WithField("component", "checkout"),
		newOrderNumber:      NewOrderNumber,
		orderNumberAttempts: DefaultOrderNumberAttempts,
		txRetries:           DefaultSerializationRetries,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkout превращает запрошенные позиции в сохранённый заказ.
// Либо фиксируются заказ, его позиции и списание остатков, либо не меняется ничего.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.Order, error) {
	start := time.Now()
	logger := s.logger.WithFields(log.Fields{
		"user_id": req.UserID,
		"lines":   len(req.Lines),
	})

	if err := req.Validate(); err != nil {
		s.metrics.RecordCheckout(metrics.OutcomeInvalidRequest, time.Since(start))
		logger.WithError(err).Info("checkout rejected")
		return nil, err
	}

	var (
		order *domain.Order
		err   error
	)
	for attempt := 1; ; attempt++ {
		order, err = s.attempt(ctx, logger.WithField("attempt", attempt), req)
		if err == nil || !errors.Is(err, domain.ErrSerializationFailure) || attempt > s.txRetries {
			break
		}
		s.metrics.RecordTxRetry()
		logger.WithError(err).WithField("attempt", attempt).Warn("checkout aborted by database, retrying whole transaction")
	}

	s.metrics.RecordCheckout(outcomeOf(err), time.Since(start))
	if err != nil {
		entry := logger.WithError(err)
		if errors.Is(err, domain.ErrOrderCreationFailed) {
			entry.Error("checkout failed")
		} else {
			entry.Info("checkout failed")
		}
		return nil, err
	}

	logger.WithFields(log.Fields{
		"order_number": order.OrderNumber,
		"total":        order.TotalAmount.StringFixed(2),
	}).Info("checkout committed")
	s.recordCreated(ctx, logger, order)
	return order, nil
}

// attempt выполняет одну транзакцию: Start → Validating → Materializing → Committed/Failed.
func (s *Service) attempt(ctx context.Context, logger *log.Entry, req domain.CheckoutRequest) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin checkout: %w", err)
	}
	s.metrics.InFlightStarted()
	defer s.metrics.InFlightFinished()

	finished := false
	defer func() {
		if finished {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, domain.ErrTxDone) {
			logger.WithError(rbErr).Warn("checkout rollback failed")
		}
	}()

	res, err := s.reserve(ctx, tx, req.Lines)
	if err != nil {
		return nil, err
	}

	order, err := s.materialize(ctx, tx, logger, req, res)
	if err != nil {
		return nil, err
	}

	// Брошенный вызывающей стороной запрос не должен фиксироваться.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	finished = true
	if err := tx.Commit(); err != nil {
		if errors.Is(err, domain.ErrSerializationFailure) || errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: commit: %w", domain.ErrOrderCreationFailed, err)
	}

	s.metrics.RecordItemsReserved(res.units())
	return order, nil
}

func (s *Service) recordCreated(ctx context.Context, logger *log.Entry, order *domain.Order) {
	if s.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderNumber: order.OrderNumber,
		Type:        domain.TimelineOrderCreated,
		Reason:      "checkout",
		Actor:       order.UserID,
		Occurred:    order.CreatedAt,
	}
	if err := s.timeline.Append(context.WithoutCancel(ctx), event); err != nil {
		logger.WithError(err).WithField("order_number", order.OrderNumber).Warn("failed to append timeline event")
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCommitted
	case errors.Is(err, domain.ErrInvalidRequest):
		return metrics.OutcomeInvalidRequest
	case errors.Is(err, domain.ErrProductNotFound):
		return metrics.OutcomeProductNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.OutcomeInsufficientStock
	case errors.Is(err, domain.ErrLockTimeout):
		return metrics.OutcomeLockTimeout
	case errors.Is(err, domain.ErrOrderCreationFailed):
		return metrics.OutcomeCreationFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
