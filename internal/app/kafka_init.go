package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// initKafkaProducer инициализирует Kafka producer, если брокеры заданы.
// Ошибка не фатальна: без брокера события копятся в outbox до следующего запуска.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// outboxPublishers возвращает publisher рабочего топика и DLQ; без producer оба nil.
func outboxPublishers(producer *kafka.Producer) (domain.OutboxPublisher, domain.OutboxPublisher) {
	if producer == nil {
		return nil, nil
	}
	return kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
