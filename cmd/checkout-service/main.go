package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/app"
)

const (
	envEnvFile     = "CHECKOUT_ENV_FILE"
	defaultEnvFile = ".env"

	envLogLevel = "CHECKOUT_LOG_LEVEL"

	envGRPCAddr    = "CHECKOUT_GRPC_ADDR"
	envMetricsAddr = "CHECKOUT_METRICS_ADDR"

	envStorageDriver       = "CHECKOUT_STORAGE_DRIVER"
	envPostgresDSN         = "CHECKOUT_POSTGRES_DSN"
	envPostgresAutoMigrate = "CHECKOUT_POSTGRES_AUTO_MIGRATE"

	envIdempotencyBackend          = "CHECKOUT_IDEMPOTENCY_BACKEND"
	envRedisAddr                   = "CHECKOUT_REDIS_ADDR"
	envIdempotencyKeyTTL           = "CHECKOUT_IDEMPOTENCY_KEY_TTL"
	envIdempotencyCleanupInterval  = "CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "CHECKOUT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envKafkaBrokers    = "CHECKOUT_KAFKA_BROKERS"
	envKafkaGroupID    = "CHECKOUT_KAFKA_GROUP_ID"
	envKafkaMaxRetries = "CHECKOUT_KAFKA_MAX_RETRIES"

	envOutboxPollInterval = "CHECKOUT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "CHECKOUT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "CHECKOUT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "CHECKOUT_OUTBOX_RETRY_DELAY"

	envSeedFile        = "CHECKOUT_SEED_FILE"
	envShutdownTimeout = "CHECKOUT_SHUTDOWN_TIMEOUT"
)

type envLookup func(key string) (string, bool)

// loadEnvFile подгружает dotenv-файл, не перекрывая уже заданные переменные.
// Отсутствие файла по умолчанию не считается ошибкой.
func loadEnvFile(lookup envLookup) error {
	path, explicit := lookupTrimmed(lookup, envEnvFile)
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) []string {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookupTrimmed(lookup, envLogLevel)
	if !ok {
		return nil
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v, using %s", envLogLevel, err, log.InfoLevel)}
	}
	log.SetLevel(level)
	return nil
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректные значения игнорируются с предупреждением.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v, using default", key, err))
	}

	positiveInt := func(v int) bool { return v > 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	if v, ok := lookupTrimmed(lookup, envGRPCAddr); ok {
		cfg.GRPCAddr = v
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
	if v, ok := lookupTrimmed(lookup, envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}

	if v, ok := lookupTrimmed(lookup, envIdempotencyBackend); ok {
		cfg.IdempotencyBackend = strings.ToLower(v)
	}
	if v, ok := lookupTrimmed(lookup, envRedisAddr); ok {
		cfg.RedisAddr = v
	}
	if v, ok := lookupTrimmed(lookup, envIdempotencyKeyTTL); ok {
		if parsed, err := parseDuration(v, positiveDuration, "must be > 0"); err != nil {
			warn(envIdempotencyKeyTTL, err)
		} else {
			cfg.IdempotencyKeyTTL = parsed
		}
	}
	if v, ok := lookupTrimmed(lookup, envIdempotencyCleanupInterval); ok {
		if parsed, err := parseDuration(v, positiveDuration, "must be > 0"); err != nil {
			warn(envIdempotencyCleanupInterval, err)
		} else {
			cfg.IdempotencyCleanupInterval = parsed
		}
	}
	if v, ok := lookupTrimmed(lookup, envIdempotencyCleanupBatchSize); ok {
		if parsed, err := parseInt(v, positiveInt, "must be > 0"); err != nil {
			warn(envIdempotencyCleanupBatchSize, err)
		} else {
			cfg.IdempotencyCleanupBatchSize = parsed
		}
	}

	if v, ok := lookupTrimmed(lookup, envKafkaBrokers); ok {
		cfg.KafkaBrokers = parseList(v)
	}
	if v, ok := lookupTrimmed(lookup, envKafkaGroupID); ok {
		cfg.KafkaGroupID = v
	}
	if v, ok := lookupTrimmed(lookup, envKafkaMaxRetries); ok {
		if parsed, err := parseInt(v, positiveInt, "must be > 0"); err != nil {
			warn(envKafkaMaxRetries, err)
		} else {
			cfg.KafkaMaxRetries = parsed
		}
	}

	if v, ok := lookupTrimmed(lookup, envOutboxPollInterval); ok {
		if parsed, err := parseDuration(v, positiveDuration, "must be > 0"); err != nil {
			warn(envOutboxPollInterval, err)
		} else {
			cfg.OutboxPollInterval = parsed
		}
	}
	if v, ok := lookupTrimmed(lookup, envOutboxBatchSize); ok {
		if parsed, err := parseInt(v, positiveInt, "must be > 0"); err != nil {
			warn(envOutboxBatchSize, err)
		} else {
			cfg.OutboxBatchSize = parsed
		}
	}
	if v, ok := lookupTrimmed(lookup, envOutboxMaxAttempts); ok {
		if parsed, err := parseInt(v, positiveInt, "must be > 0"); err != nil {
			warn(envOutboxMaxAttempts, err)
		} else {
			cfg.OutboxMaxAttempts = parsed
		}
	}
	if v, ok := lookupTrimmed(lookup, envOutboxRetryDelay); ok {
		if parsed, err := parseDuration(v, nonNegativeDuration, "must be >= 0"); err != nil {
			warn(envOutboxRetryDelay, err)
		} else {
			cfg.OutboxRetryDelay = parsed
		}
	}

	if v, ok := lookupTrimmed(lookup, envSeedFile); ok {
		cfg.SeedFile = v
	}
	if v, ok := lookupTrimmed(lookup, envShutdownTimeout); ok {
		if parsed, err := parseDuration(v, positiveDuration, "must be > 0"); err != nil {
			warn(envShutdownTimeout, err)
		} else {
			cfg.ShutdownTimeout = parsed
		}
	}

	return cfg, warnings
}

// lookupTrimmed возвращает значение без пробелов; пустое значение считается отсутствующим.
func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if !valid(v) {
		return 0, fmt.Errorf("value %d %s", v, rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if !valid(v) {
		return 0, fmt.Errorf("value %s %s", v, rule)
	}
	return v, nil
}

// parseList разбирает список через запятую, пропуская пустые элементы.
func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	envErr := loadEnvFile(os.LookupEnv)
	logWarnings := setupLogger(os.LookupEnv)
	if envErr != nil {
		logWarnings = append(logWarnings, envErr.Error())
	}
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range append(logWarnings, warnings...) {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"idempotency":    cfg.IdempotencyBackend,
		"kafka_brokers":  cfg.KafkaBrokers,
	}).Info("запускаем checkout-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("checkout-service остановлен")
}
