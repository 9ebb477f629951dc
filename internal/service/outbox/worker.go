// Package outbox публикует события, записанные оформлением в transactional outbox.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics подключает метрики публикации.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithDLQPublisher задаёт publisher для событий, не опубликованных после всех попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) {
		w.dlqPublisher = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт размер пачки.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации перед DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBaseDelay задаёт базовую задержку экспоненциального backoff; 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay >= 0 {
			w.retryBaseDelay = delay
		}
	}
}

// Worker публикует pending-сообщения из outbox в брокер.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce публикует одну пачку и возвращает число отправленных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.refreshBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return sent
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":    event.ID,
			"event_type":   event.EventType,
			"order_number": event.AggregateID,
		})

		if err := w.publishWithRetry(ctx, event); err != nil {
			if ctx.Err() != nil {
				return sent
			}
			entry.WithError(err).Error("outbox publish failed after retries")
			w.metrics.RecordAttempt(metrics.PublishFailed)

			if dlqErr := w.publishToDLQ(event, err); dlqErr != nil {
				entry.WithError(dlqErr).Warn("failed to publish to DLQ")
				w.metrics.RecordAttempt(metrics.PublishDLQFailed)
			}
			if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
				entry.WithError(markErr).Warn("failed to mark outbox message as failed")
			}
			continue
		}

		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox message as sent")
			continue
		}
		sent++
	}
	return sent
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(event)
		if err == nil {
			w.metrics.RecordAttempt(metrics.PublishSent)
			return nil
		}
		lastErr = err
		w.metrics.RecordAttempt(metrics.PublishRetryError)

		if attempt == w.maxAttempts {
			break
		}
		delay := w.retryBackoff(attempt)
		if delay == 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

// retryBackoff удваивает задержку на каждую попытку, не превышая maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(event.Payload))
		payload = quoted
	}
	body, err := json.Marshal(domain.OutboxDeadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishError:  publishErr.Error(),
		FailedAt:      w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	if err := w.dlqPublisher.Publish(domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       body,
		CreatedAt:     event.CreatedAt,
	}); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
