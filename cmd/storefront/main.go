package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	envHTTPAddr                    = "STOREFRONT_HTTP_ADDR"
	envMetricsAddr                 = "STOREFRONT_METRICS_ADDR"
	envStorageDriver               = "STOREFRONT_STORAGE_DRIVER"
	envPostgresDSN                 = "STOREFRONT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "STOREFRONT_POSTGRES_AUTO_MIGRATE"
	envSeedFile                    = "STOREFRONT_SEED_FILE"
	envLockTimeout                 = "STOREFRONT_LOCK_TIMEOUT"
	envSortedLocks                 = "STOREFRONT_CHECKOUT_SORTED_LOCKS"
	envOrderNumberAttempts         = "STOREFRONT_ORDER_NUMBER_ATTEMPTS"
	envSerializationRetries        = "STOREFRONT_SERIALIZATION_RETRIES"
	envJWTSecret                   = "STOREFRONT_JWT_SECRET"
	envCheckoutRPS                 = "STOREFRONT_CHECKOUT_RPS"
	envCheckoutBurst               = "STOREFRONT_CHECKOUT_BURST"
	envIdempotencyBackend          = "STOREFRONT_IDEMPOTENCY_BACKEND"
	envRedisAddr                   = "STOREFRONT_REDIS_ADDR"
	envIdempotencyTTL              = "STOREFRONT_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "STOREFRONT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "STOREFRONT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envOutboxPollInterval          = "STOREFRONT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "STOREFRONT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "STOREFRONT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryBaseDelay        = "STOREFRONT_OUTBOX_RETRY_BASE_DELAY"
	envKafkaBrokers                = "KAFKA_BROKERS"
	envLogFormat                   = "STOREFRONT_LOG_FORMAT"
	envLogLevel                    = "STOREFRONT_LOG_LEVEL"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) []string {
	var warnings []string

	if format, ok := lookupTrimmed(lookup, envLogFormat); ok && strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetLevel(log.InfoLevel)
	if raw, ok := lookupTrimmed(lookup, envLogLevel); ok {
		level, err := log.ParseLevel(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envLogLevel, err))
		} else {
			log.SetLevel(level)
		}
	}
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	return warnings
}

// readConfigFromEnv собирает конфигурацию из окружения. Некорректное значение
// оставляет значение по умолчанию и добавляет предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
	}

	if v, ok := lookupTrimmed(lookup, envHTTPAddr); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookupTrimmed(lookup, envMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	if v, ok := lookupTrimmed(lookup, envPostgresDSN); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := lookupTrimmed(lookup, envSeedFile); ok {
		cfg.SeedFile = v
	}
	if v, ok := lookupTrimmed(lookup, envJWTSecret); ok {
		cfg.JWTSecret = v
	}
	if v, ok := lookupTrimmed(lookup, envIdempotencyBackend); ok {
		cfg.IdempotencyBackend = strings.ToLower(v)
	}
	if v, ok := lookupTrimmed(lookup, envRedisAddr); ok {
		cfg.RedisAddr = v
	}
	if v, ok := lookupTrimmed(lookup, envKafkaBrokers); ok {
		cfg.KafkaBrokers = parseList(v)
	}

	boolVars := []struct {
		key    string
		target *bool
	}{
		{envPostgresAutoMigrate, &cfg.PostgresAutoMigrate},
		{envSortedLocks, &cfg.SortedLocks},
	}
	for _, bv := range boolVars {
		if raw, ok := lookup(bv.key); ok {
			value, err := parseBool(raw)
			if err != nil {
				warn(bv.key, err)
				continue
			}
			*bv.target = value
		}
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	intVars := []struct {
		key    string
		target *int
		valid  func(int) bool
		rule   string
	}{
		{envOrderNumberAttempts, &cfg.OrderNumberAttempts, positive, "must be > 0"},
		{envSerializationRetries, &cfg.SerializationRetries, nonNegative, "must be >= 0"},
		{envCheckoutBurst, &cfg.CheckoutBurst, positive, "must be > 0"},
		{envIdempotencyCleanupBatchSize, &cfg.IdempotencyBatchSize, positive, "must be > 0"},
		{envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0"},
		{envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0"},
	}
	for _, iv := range intVars {
		if raw, ok := lookup(iv.key); ok {
			value, err := parseInt(raw, iv.valid, iv.rule)
			if err != nil {
				warn(iv.key, err)
				continue
			}
			*iv.target = value
		}
	}

	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }
	durationVars := []struct {
		key    string
		target *time.Duration
		valid  func(time.Duration) bool
		rule   string
	}{
		{envLockTimeout, &cfg.LockTimeout, positiveDuration, "must be > 0"},
		{envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0"},
		{envIdempotencyCleanupInterval, &cfg.IdempotencyCleanup, positiveDuration, "must be > 0"},
		{envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0"},
		{envOutboxRetryBaseDelay, &cfg.OutboxRetryBaseDelay, nonNegativeDuration, "must be >= 0"},
	}
	for _, dv := range durationVars {
		if raw, ok := lookup(dv.key); ok {
			value, err := parseDuration(raw, dv.valid, dv.rule)
			if err != nil {
				warn(dv.key, err)
				continue
			}
			*dv.target = value
		}
	}

	if raw, ok := lookup(envCheckoutRPS); ok {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		switch {
		case err != nil:
			warn(envCheckoutRPS, err)
		case value < 0:
			warn(envCheckoutRPS, errors.New("must be >= 0"))
		default:
			cfg.CheckoutRPS = value
		}
	}

	return cfg, warnings
}

func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	raw, ok := lookup(key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	return value, value != ""
}

func parseList(raw string) []string {
	var items []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	warnings := setupLogger(os.LookupEnv)
	cfg, cfgWarnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range append(warnings, cfgWarnings...) {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":           cfg.HTTPAddr,
		"metrics_addr":        cfg.MetricsAddr,
		"storage_driver":      cfg.StorageDriver,
		"idempotency_backend": cfg.IdempotencyBackend,
		"kafka_enabled":       len(cfg.KafkaBrokers) > 0,
	}).Info("запускаем storefront")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("storefront остановлен")
}
