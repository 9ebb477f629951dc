package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// defaultMaxBatches ограничивает один проход, чтобы очистка не держала базу занятой.
	defaultMaxBatches = 20
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics подключает метрики очистки.
func WithMetrics(m *metrics.CleanupMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize задает размер одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxBatches ограничивает число удалений за проход; остаток уйдёт в следующий.
func WithMaxBatches(n int) CleanupOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.maxBatches = n
		}
	}
}

// WithGracePeriod оставляет ключи ещё на grace после истечения TTL.
func WithGracePeriod(grace time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if grace >= 0 {
			w.grace = grace
		}
	}
}

// CleanupWorker периодически удаляет просроченные ключи идемпотентности оформления.
// Для Redis воркер не нужен: ключи истекают по TTL.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.CleanupMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	grace      time.Duration
	now        func() time.Time
}

// NewCleanupWorker создает воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:       repo,
		logger:     log.WithField("component", "idempotency-cleanup"),
		interval:   defaultCleanupInterval,
		batchSize:  defaultCleanupBatchSize,
		maxBatches: defaultMaxBatches,
		now:        time.Now,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run выполняет проход сразу и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.cleanup(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context) {
	cutoff := w.now().UTC().Add(-w.grace)
	deleted, err := w.DeleteExpired(ctx, cutoff)
	if errors.Is(err, context.Canceled) {
		return
	}
	w.metrics.RecordRun(deleted, err)

	entry := w.logger.WithFields(log.Fields{"deleted": deleted, "cutoff": cutoff})
	switch {
	case err != nil:
		entry.WithError(err).Warn("idempotency cleanup run failed")
	case deleted > 0:
		entry.Info("expired idempotency keys removed")
	}
}

// DeleteExpired удаляет записи с ttl <= before порциями batchSize, не больше maxBatches порций.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC()
	}

	total := 0
	for batch := 0; batch < w.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		total += deleted
		if err != nil {
			return total, err
		}
		if deleted < w.batchSize {
			return total, nil
		}
	}

	w.logger.WithField("batches", w.maxBatches).Debug("cleanup batch limit reached, continuing next run")
	return total, nil
}
