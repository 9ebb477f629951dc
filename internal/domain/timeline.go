package domain

import "time"

// Типы событий истории заказа.
const (
	TimelineOrderCreated  = "order_created"
	TimelineStatusChanged = "status_changed"
)

// TimelineEvent — запись истории заказа.
// Actor — покупатель для order_created и администратор для status_changed.
type TimelineEvent struct {
	OrderNumber string
	Type        string
	Reason      string
	Actor       string
	Occurred    time.Time
}
