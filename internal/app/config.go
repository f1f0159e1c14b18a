package app

import "time"

// Драйверы хранилища заказов, товаров и клиентов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Бэкенды хранилища ключей идемпотентности.
const (
	// IdempotencyBackendStore хранит ключи в том же хранилище, что и заказы.
	IdempotencyBackendStore = "store"
	IdempotencyBackendRedis = "redis"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	IdempotencyBackend          string
	RedisAddr                   string
	IdempotencyKeyTTL           time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// KafkaBrokers пустой — Kafka не используется: нет consumer команд и outbox relay.
	KafkaBrokers    []string
	KafkaGroupID    string
	KafkaMaxRetries int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// SeedFile — JSON с клиентами и товарами, загружаемый при старте.
	SeedFile string

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		IdempotencyBackend:          IdempotencyBackendStore,
		RedisAddr:                   "localhost:6379",
		IdempotencyKeyTTL:           24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		KafkaGroupID:    "checkout-service",
		KafkaMaxRetries: 3,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   200 * time.Millisecond,

		ShutdownTimeout: 5 * time.Second,
	}
}
