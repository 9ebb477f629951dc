package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	IdempotencyBackendMemory   = "memory"
	IdempotencyBackendPostgres = "postgres"
	IdempotencyBackendRedis    = "redis"
)

// Config описывает настройки запуска сервиса оформления заказов.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	SeedFile            string

	LockTimeout          time.Duration
	SortedLocks          bool
	OrderNumberAttempts  int
	SerializationRetries int
	JWTSecret            string
	CheckoutRPS          float64
	CheckoutBurst        int
	ShutdownTimeout      time.Duration
	KafkaBrokers         []string
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxMaxAttempts    int
	OutboxRetryBaseDelay time.Duration
	IdempotencyBackend   string
	RedisAddr            string
	IdempotencyTTL       time.Duration
	IdempotencyCleanup   time.Duration
	IdempotencyBatchSize int
}

// DefaultConfig возвращает конфигурацию для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:             ":8080",
		MetricsAddr:          ":9090",
		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		LockTimeout:          postgres.DefaultLockTimeout,
		OrderNumberAttempts:  checkout.DefaultOrderNumberAttempts,
		SerializationRetries: checkout.DefaultSerializationRetries,
		CheckoutRPS:          5,
		CheckoutBurst:        10,
		ShutdownTimeout:      10 * time.Second,
		OutboxPollInterval:   time.Second,
		OutboxBatchSize:      100,
		OutboxMaxAttempts:    3,
		OutboxRetryBaseDelay: 50 * time.Millisecond,
		IdempotencyBackend:   IdempotencyBackendMemory,
		IdempotencyTTL:       idempotency.DefaultTTL,
		IdempotencyCleanup:   10 * time.Minute,
		IdempotencyBatchSize: 500,
	}
}

// Validate проверяет согласованность настроек до запуска зависимостей.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.HTTPAddr) == "" {
		problems = append(problems, "http addr is required")
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			problems = append(problems, "postgres dsn is required for postgres storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported storage driver %q", c.StorageDriver))
	}
	switch c.IdempotencyBackend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendPostgres:
		if c.StorageDriver != StorageDriverPostgres {
			problems = append(problems, "postgres idempotency backend requires postgres storage")
		}
	case IdempotencyBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			problems = append(problems, "redis addr is required for redis idempotency backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported idempotency backend %q", c.IdempotencyBackend))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		problems = append(problems, "jwt secret is required")
	}
	if c.LockTimeout <= 0 {
		problems = append(problems, "lock timeout must be > 0")
	}
	if c.OrderNumberAttempts <= 0 {
		problems = append(problems, "order number attempts must be > 0")
	}
	if c.SerializationRetries < 0 {
		problems = append(problems, "serialization retries must be >= 0")
	}
	if c.CheckoutRPS > 0 && c.CheckoutBurst <= 0 {
		problems = append(problems, "checkout burst must be > 0 when rate limit is enabled")
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
