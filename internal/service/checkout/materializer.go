package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// materialize сохраняет заказ, его позиции, списание остатков и событие outbox
// в транзакции резервирования. Коллизия номера повторяется без повторной проверки остатков.
func (s *Service) materialize(
	ctx context.Context,
	tx domain.CheckoutTx,
	logger *log.Entry,
	req domain.CheckoutRequest,
	res reservation,
) (*domain.Order, error) {
	now := s.now().UTC()
	order := &domain.Order{
		UserID:      req.UserID,
		Status:      domain.OrderStatusPending,
		TotalAmount: res.total,
		Shipping:    req.Shipping,
		Notes:       req.Notes,
		Items:       make([]domain.OrderItem, 0, len(res.lines)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, line := range res.lines {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:   line.productID,
			Quantity:    line.quantity,
			PriceAtTime: line.price,
			CreatedAt:   now,
		})
	}

	if err := s.insertWithFreshNumber(ctx, tx, logger, order); err != nil {
		return nil, err
	}

	for _, line := range res.lines {
		if err := tx.DecrementStock(ctx, line.productID, line.quantity); err != nil {
			return nil, persistenceError(fmt.Sprintf("decrement stock of product %d", line.productID), err)
		}
	}

	payload, err := json.Marshal(domain.NewOrderCreatedEvent(*order))
	if err != nil {
		return nil, fmt.Errorf("%w: encode order event: %w", domain.ErrOrderCreationFailed, err)
	}
	msg := domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.OrderNumber,
		EventType:     domain.EventOrderCreated,
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return nil, persistenceError("enqueue order event", err)
	}

	return order, nil
}

func (s *Service) insertWithFreshNumber(ctx context.Context, tx domain.CheckoutTx, logger *log.Entry, order *domain.Order) error {
	for attempt := 1; attempt <= s.orderNumberAttempts; attempt++ {
		number, err := s.newOrderNumber()
		if err != nil {
			return fmt.Errorf("%w: generate order number: %w", domain.ErrOrderCreationFailed, err)
		}
		order.OrderNumber = number

		err = tx.InsertOrder(ctx, order)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrOrderNumberTaken) {
			return persistenceError("insert order", err)
		}

		s.metrics.RecordOrderNumberCollision()
		logger.WithFields(log.Fields{
			"order_number": number,
			"attempt":      attempt,
		}).Warn("order number collision, generating a new one")
	}

	order.OrderNumber = ""
	return fmt.Errorf("%w: no free order number after %d attempts", domain.ErrOrderCreationFailed, s.orderNumberAttempts)
}

// persistenceError сохраняет ошибки, у которых своя семантика повтора,
// остальные сбои записи превращает в ErrOrderCreationFailed.
func persistenceError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrLockTimeout),
		errors.Is(err, domain.ErrSerializationFailure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrOrderCreationFailed, op, err)
	}
}
