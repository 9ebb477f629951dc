package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsumerAttempts   = 3
	defaultConsumerRetryDelay = 200 * time.Millisecond
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	logger        *log.Entry
	maxAttempts   int
	retryDelay    time.Duration
	initialOffset int64
}

// WithConsumerLogger задаёт логгер consumer.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(o *consumerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxAttempts задаёт число попыток обработки одного сообщения.
func WithMaxAttempts(n int) ConsumerOption {
	return func(o *consumerOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryDelay задаёт паузу между попытками обработки.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// FromOldest читает группу с самого старого offset, если закоммиченного ещё нет.
func FromOldest() ConsumerOption {
	return func(o *consumerOptions) {
		o.initialOffset = sarama.OffsetOldest
	}
}

// Consumer читает топики через consumer group и передаёт сообщения обработчику.
// Сообщение, которое не удалось обработать за все попытки, не коммитится.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	maxAttempts int
	retryDelay  time.Duration
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	options := consumerOptions{
		logger:        log.WithField("component", "kafka-consumer"),
		maxAttempts:   defaultConsumerAttempts,
		retryDelay:    defaultConsumerRetryDelay,
		initialOffset: sarama.OffsetNewest,
	}
	for _, opt := range opts {
		opt(&options)
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = options.initialOffset
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      options.logger,
		maxAttempts: options.maxAttempts,
		retryDelay:  options.retryDelay,
	}, nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращает управление при каждом rebalance
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			c.logger.WithFields(fields).Debug("received message")

			if err := c.handleMessage(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(fields).Error("message processing failed after all attempts")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempts := c.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":   message.Topic,
			"attempt": attempt,
		}).Warn("message processing failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return err
}
