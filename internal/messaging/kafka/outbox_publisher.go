package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
	}
}

// Publish отправляет сообщение с ключом = номер заказа, чтобы события одного заказа
// попадали в одну партицию и сохраняли порядок.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	envelope := NewEnvelope(event, p.now())
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return p.producer.Send(p.topic, envelope.Key(), value, map[string]string{
		HeaderEventType: event.EventType,
		HeaderOutboxID:  event.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
