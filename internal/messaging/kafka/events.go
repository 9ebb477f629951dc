package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicDeadLetterQueue = "storefront.dlq" // сообщения outbox, не доставленные после всех попыток
)

// Kafka headers сообщений витрины
const (
	HeaderEventType  = "x-event-type"
	HeaderOutboxID   = "x-outbox-id"
	HeaderReplayedAt = "x-replayed-at"
)

// Envelope — формат сообщения в топиках витрины. Payload — JSON доменного события.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, at time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   at.UTC(),
	}
}

// Key возвращает ключ партиционирования: номер заказа, иначе id сообщения.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// ParseEnvelope разбирает значение сообщения Kafka.
func ParseEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

// ParseOrderCreated извлекает событие создания заказа.
func ParseOrderCreated(env Envelope) (domain.OrderCreatedEvent, error) {
	var event domain.OrderCreatedEvent
	if env.EventType != domain.EventOrderCreated {
		return event, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal order created event: %w", err)
	}
	return event, nil
}
