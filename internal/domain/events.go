package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AggregateOrder — тип агрегата для сообщений outbox по заказам.
const AggregateOrder = "order"

// Типы событий заказа, публикуемых через outbox.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
)

// OrderCreatedItem — позиция в событии создания заказа.
type OrderCreatedItem struct {
	ProductID   int64           `json:"product_id"`
	Quantity    int             `json:"quantity"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
}

// OrderCreatedEvent публикуется после фиксации оформления.
type OrderCreatedEvent struct {
	OrderNumber string             `json:"order_number"`
	UserID      string             `json:"user_id"`
	Status      OrderStatus        `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Items       []OrderCreatedItem `json:"items"`
	CreatedAt   time.Time          `json:"created_at"`
}

// NewOrderCreatedEvent строит событие из сохранённого заказа.
func NewOrderCreatedEvent(order Order) OrderCreatedEvent {
	items := make([]OrderCreatedItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderCreatedItem{
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
		})
	}
	return OrderCreatedEvent{
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Items:       items,
		CreatedAt:   order.CreatedAt,
	}
}

// OrderStatusChangedEvent публикуется при административной смене статуса.
type OrderStatusChangedEvent struct {
	OrderNumber string      `json:"order_number"`
	From        OrderStatus `json:"from"`
	To          OrderStatus `json:"to"`
	ChangedBy   string      `json:"changed_by,omitempty"`
	ChangedAt   time.Time   `json:"changed_at"`
}

// OutboxDeadLetter — содержимое сообщения в DLQ: исходное событие и причина отказа.
type OutboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"failed_at"`
}
