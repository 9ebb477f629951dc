package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ReplayStats — итог переотправки DLQ.
type ReplayStats struct {
	Processed int
	Replayed  int
	Skipped   int
}

// Replayer возвращает сообщения из DLQ в рабочий топик. Без producer работает
// в режиме dry-run: только логирует кандидатов.
type Replayer struct {
	producer *Producer
	target   string
	logger   *log.Entry
	now      func() time.Time

	mu    sync.Mutex
	stats ReplayStats
}

// NewReplayer создаёт обработчик DLQ.
func NewReplayer(producer *Producer, targetTopic string, logger *log.Entry) *Replayer {
	if targetTopic == "" {
		targetTopic = TopicOrderEvents
	}
	if logger == nil {
		logger = log.WithField("component", "dlq-replayer")
	}
	return &Replayer{
		producer: producer,
		target:   targetTopic,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle реализует MessageHandler. Нераспознанные сообщения пропускаются и коммитятся,
// ошибка отправки возвращается, чтобы consumer повторил попытку.
func (r *Replayer) Handle(_ context.Context, message *sarama.ConsumerMessage) error {
	logger := r.logger.WithFields(log.Fields{
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	original, err := r.extract(message.Value)
	if err != nil {
		logger.WithError(err).Warn("skip unsupported dlq message")
		r.record(func(s *ReplayStats) { s.Processed++; s.Skipped++ })
		return nil
	}

	if r.producer == nil {
		logger.WithFields(log.Fields{
			"target_topic": r.target,
			"key":          original.Key(),
			"event_type":   original.EventType,
		}).Info("dlq replay candidate")
		r.record(func(s *ReplayStats) { s.Processed++; s.Replayed++ })
		return nil
	}

	value, err := json.Marshal(original)
	if err != nil {
		return fmt.Errorf("encode replay envelope: %w", err)
	}
	if err := r.producer.Send(r.target, original.Key(), value, map[string]string{
		HeaderEventType:  original.EventType,
		HeaderOutboxID:   original.ID,
		HeaderReplayedAt: r.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}

	r.record(func(s *ReplayStats) { s.Processed++; s.Replayed++ })
	return nil
}

// extract восстанавливает исходный конверт из сообщения DLQ.
func (r *Replayer) extract(value []byte) (Envelope, error) {
	env, err := ParseEnvelope(value)
	if err != nil {
		return Envelope{}, err
	}

	var dead domain.OutboxDeadLetter
	if err := json.Unmarshal(env.Payload, &dead); err != nil {
		return Envelope{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(dead.Payload) == 0 {
		return Envelope{}, fmt.Errorf("dead letter does not contain original event payload")
	}

	return Envelope{
		ID:            firstNonEmpty(dead.OutboxID, env.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, env.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, env.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, env.EventType),
		Payload:       dead.Payload,
		PublishedAt:   r.now().UTC(),
	}, nil
}

func (r *Replayer) record(update func(*ReplayStats)) {
	r.mu.Lock()
	update(&r.stats)
	r.mu.Unlock()
}

// Stats возвращает накопленную статистику.
func (r *Replayer) Stats() ReplayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
