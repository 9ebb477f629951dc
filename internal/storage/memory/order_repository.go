package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// GetByNumber возвращает зафиксированный заказ по номеру.
func (s *Store) GetByNumber(_ context.Context, number string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderByNumber[number]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

// ListByUser возвращает заказы пользователя, новые первыми.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	return s.listOrders(func(o domain.Order) bool { return o.UserID == userID }, limit), nil
}

// ListAll возвращает все заказы, новые первыми.
func (s *Store) ListAll(_ context.Context, limit int) ([]domain.Order, error) {
	return s.listOrders(func(domain.Order) bool { return true }, limit), nil
}

func (s *Store) listOrders(match func(domain.Order) bool, limit int) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if match(order) {
			result = append(result, cloneOrder(order))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// UpdateStatus меняет статус, если переход допустим. Возвращает заказ и прежний статус.
func (s *Store) UpdateStatus(_ context.Context, number string, next domain.OrderStatus) (domain.Order, domain.OrderStatus, error) {
	if !next.Valid() {
		return domain.Order{}, "", domain.ErrInvalidOrderStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.orderByNumber[number]
	if !ok {
		return domain.Order{}, "", domain.ErrOrderNotFound
	}
	order := s.orders[id]
	prev := order.Status
	if !prev.CanTransitionTo(next) {
		return domain.Order{}, prev, domain.ErrInvalidStatusTransition
	}

	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	s.orders[id] = order
	return cloneOrder(order), prev, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}
