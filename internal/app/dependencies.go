package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// store — общий набор репозиториев memory и postgres хранилищ.
type store interface {
	domain.UnitOfWork
	Customers() domain.CustomerRepository
	Products() domain.ProductRepository
	Orders() domain.OrderRepository
	Outbox() domain.OutboxRepository
	Idempotency() domain.IdempotencyRepository
}

// runtimeDependencies содержит инфраструктуру, созданную по конфигурации.
type runtimeDependencies struct {
	store       store
	idempotency domain.IdempotencyRepository
	// cleanupIdempotency — нужен ли воркер очистки (у Redis ключи истекают сами).
	cleanupIdempotency bool
	checkers           map[string]healthcheck.Checker
	closers            []func() error
}

// initRuntimeDependencies создаёт хранилище и бэкенд идемпотентности.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.store = memory.NewStore()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		pg, err := initPostgresStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.store = pg
		deps.closers = append(deps.closers, pg.Close)
		deps.checkers["postgres"] = healthcheck.NewFuncChecker("postgres", pg.Ping)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.IdempotencyBackend {
	case IdempotencyBackendStore, "":
		deps.idempotency = deps.store.Idempotency()
		deps.cleanupIdempotency = true
	case IdempotencyBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			deps.close(logger)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		deps.idempotency = redisstore.NewIdempotencyRepository(client)
		deps.closers = append(deps.closers, client.Close)
		deps.checkers["redis"] = healthcheck.NewFuncChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.WithField("addr", cfg.RedisAddr).Info("using redis idempotency store")
	default:
		deps.close(logger)
		return nil, fmt.Errorf("unsupported idempotency backend %q", cfg.IdempotencyBackend)
	}

	return deps, nil
}

func initPostgresStore(ctx context.Context, cfg Config, logger *log.Entry) (*postgres.Store, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres dsn is required for postgres storage driver")
	}

	pg, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("apply postgres schema: %w", err)
		}
		logger.Info("postgres schema is up to date")
	}
	logger.Info("using postgres storage")
	return pg, nil
}

// close освобождает ресурсы в обратном порядке.
func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}
