package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты публикации outbox для метки result.
const (
	PublishSent       = "sent"
	PublishRetryError = "retry_error"
	PublishFailed     = "failed"
	PublishDLQFailed  = "dlq_failed"
)

// OutboxMetrics — метрики воркера transactional outbox. Нулевой указатель допустим.
type OutboxMetrics struct {
	attempts      *prometheus.CounterVec
	pending       prometheus.Gauge
	oldestPending prometheus.Gauge
}

// NewOutboxMetrics регистрирует метрики outbox в переданном реестре.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutboxMetrics{
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result",
		}, []string{"result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		oldestPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
	}
}

// RecordAttempt учитывает результат попытки публикации.
func (m *OutboxMetrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер и возраст backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.oldestPending.Set(oldestAge.Seconds())
}

// CleanupMetrics — метрики очистки ключей идемпотентности. Нулевой указатель допустим.
type CleanupMetrics struct {
	runs    *prometheus.CounterVec
	deleted prometheus.Counter
}

// NewCleanupMetrics регистрирует метрики очистки в переданном реестре.
func NewCleanupMetrics(registerer prometheus.Registerer) *CleanupMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &CleanupMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs by result",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_idempotency_cleanup_deleted_total",
			Help: "Total number of expired idempotency keys deleted",
		}),
	}
}

// RecordRun учитывает завершённый цикл очистки.
func (m *CleanupMetrics) RecordRun(deleted int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("success").Inc()
	m.deleted.Add(float64(deleted))
}
