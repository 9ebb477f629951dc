package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	checkoutStore   domain.CheckoutStore
	products        domain.ProductRepository
	orders          domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	// cleanupExpired — нужен ли фоновый воркер очистки ключей (redis удаляет их сам по TTL).
	cleanupExpired bool
	checkers       map[string]healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) addChecker(name string, checker healthcheck.Checker) {
	if d.checkers == nil {
		d.checkers = make(map[string]healthcheck.Checker)
	}
	d.checkers[name] = checker
}

func (d *runtimeDependencies) addCloser(closeFn func() error) {
	prev := d.closeFn
	if prev == nil {
		d.closeFn = closeFn
		return
	}
	d.closeFn = func() error {
		return errors.Join(closeFn(), prev())
	}
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// initRuntimeDependencies поднимает хранилище каталога и заказов, outbox, timeline
// и backend идемпотентности.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	var (
		deps *runtimeDependencies
		err  error
	)
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps = initMemoryStorage(cfg)
	case StorageDriverPostgres:
		deps, err = initPostgresStorage(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	if err := initIdempotencyBackend(ctx, cfg, deps, logger); err != nil {
		_ = deps.close()
		return nil, err
	}
	return deps, nil
}

func initMemoryStorage(cfg Config) *runtimeDependencies {
	outboxRepo := memory.NewOutboxRepository()
	store := memory.NewStore(
		memory.WithLockTimeout(cfg.LockTimeout),
		memory.WithOutbox(outboxRepo),
	)

	return &runtimeDependencies{
		checkoutStore:   store,
		products:        store,
		orders:          store,
		outboxRepo:      outboxRepo,
		timelineRepo:    memory.NewTimelineRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		cleanupExpired:  true,
	}
}

func initPostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres dsn is required for postgres storage")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLockTimeout(cfg.LockTimeout))
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres schema is up to date")
	}

	deps := &runtimeDependencies{
		checkoutStore:   store,
		products:        postgres.NewProductRepository(store),
		orders:          postgres.NewOrderRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		cleanupExpired:  true,
	}
	deps.addChecker("postgres", healthcheck.NewPingChecker("postgres", 0, store.Ping))
	deps.addCloser(store.Close)
	return deps, nil
}

func initIdempotencyBackend(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.IdempotencyBackend {
	case "", IdempotencyBackendMemory:
		if cfg.StorageDriver == StorageDriverPostgres {
			deps.idempotencyRepo = memory.NewIdempotencyRepository()
		}
		return nil
	case IdempotencyBackendPostgres:
		if cfg.StorageDriver != StorageDriverPostgres {
			return errors.New("postgres idempotency backend requires postgres storage")
		}
		return nil
	case IdempotencyBackendRedis:
		client, err := redisstore.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect redis idempotency backend: %w", err)
		}
		deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client)
		deps.cleanupExpired = false
		deps.addChecker("redis", healthcheck.NewPingChecker("redis", 0, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		deps.addCloser(func() error { return closeRedis(client) })
		logger.WithField("addr", cfg.RedisAddr).Info("redis idempotency backend initialized")
		return nil
	default:
		return fmt.Errorf("unsupported idempotency backend %q", cfg.IdempotencyBackend)
	}
}

func closeRedis(client goredis.UniversalClient) error {
	if err := client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
