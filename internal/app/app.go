package app

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// services — собранный граф сервисов поверх выбранных хранилищ.
type services struct {
	router        http.Handler
	outboxWorker  *outbox.Worker
	cleanupWorker *idempotency.CleanupWorker
	health        *healthcheck.Handler
}

func buildServices(cfg Config, deps *runtimeDependencies, publisher, dlq domain.OutboxPublisher, registerer prometheus.Registerer, logger *log.Entry) (*services, error) {
	validator, err := auth.NewValidator(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	checkoutMetrics := metrics.NewCheckoutMetricsWithRegisterer(registerer)
	checkoutSvc := checkout.NewService(deps.checkoutStore,
		checkout.WithLogger(logger.WithField("component", "checkout")),
		checkout.WithMetrics(checkoutMetrics),
		checkout.WithTimeline(deps.timelineRepo),
		checkout.WithOrderNumberAttempts(cfg.OrderNumberAttempts),
		checkout.WithSerializationRetries(cfg.SerializationRetries),
		checkout.WithSortedLocking(cfg.SortedLocks),
	)
	orderSvc := orders.NewService(deps.orders, deps.timelineRepo,
		orders.WithLogger(logger.WithField("component", "orders")),
		orders.WithMetrics(checkoutMetrics),
		orders.WithOutbox(deps.outboxRepo),
	)

	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency")),
	)

	health := healthcheck.NewHandler(version.Version())
	for name, checker := range deps.checkers {
		health.RegisterChecker(name, checker)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Checkout:    checkoutSvc,
		Orders:      orderSvc,
		Products:    deps.products,
		Idempotency: guard,
		Auth:        validator,
		Limiter:     httpapi.NewRateLimiter(cfg.CheckoutRPS, cfg.CheckoutBurst),
		Metrics:     metrics.NewHTTPMetrics(registerer),
		Health:      health,
		Logger:      logger.WithField("component", "http-api"),
	})

	svc := &services{router: router, health: health}
	if publisher != nil {
		opts := []outbox.Option{
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithMetrics(metrics.NewOutboxMetrics(registerer)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryBaseDelay),
		}
		if dlq != nil {
			opts = append(opts, outbox.WithDLQPublisher(dlq))
		}
		svc.outboxWorker = outbox.NewWorker(deps.outboxRepo, publisher, opts...)
	}
	if deps.cleanupExpired {
		svc.cleanupWorker = idempotency.NewCleanupWorker(deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithMetrics(metrics.NewCleanupMetrics(registerer)),
			idempotency.WithInterval(cfg.IdempotencyCleanup),
			idempotency.WithBatchSize(cfg.IdempotencyBatchSize),
		)
	}
	return svc, nil
}

// Run поднимает хранилища, HTTP API, сервер метрик и фоновые воркеры
// и работает до отмены ctx или падения HTTP-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	if _, err := seedCatalog(ctx, cfg.SeedFile, deps.products, logger); err != nil {
		return err
	}

	// Без Kafka события остаются в outbox и будут отправлены после подключения брокера.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafkaProducer(producer, logger)
	publisher, dlq := outboxPublishers(producer)

	svc, err := buildServices(cfg, deps, publisher, dlq, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsServer(ctx, cfg.MetricsAddr, logger, svc.health)
	}

	var (
		stopOutbox, stopCleanup context.CancelFunc
		outboxDone, cleanupDone <-chan struct{}
	)
	if svc.outboxWorker != nil {
		stopOutbox, outboxDone = startWorker(ctx, svc.outboxWorker)
	} else {
		logger.Warn("kafka is not configured, outbox worker is disabled")
	}
	if svc.cleanupWorker != nil {
		stopCleanup, cleanupDone = startWorker(ctx, svc.cleanupWorker)
	}

	errCh := make(chan error, 1)
	apiSrv := startHTTPServer(lis, svc.router, logger, errCh)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		runErr = ctx.Err()
	case err := <-errCh:
		logger.WithError(err).Error("HTTP API остановился с ошибкой")
		runErr = err
	}

	shutdownHTTP(apiSrv, logger)
	shutdownHTTP(metricsSrv, logger)
	shutdownWorker("outbox", stopOutbox, outboxDone, cfg.ShutdownTimeout, logger)
	shutdownWorker("idempotency-cleanup", stopCleanup, cleanupDone, cfg.ShutdownTimeout, logger)

	return runErr
}
