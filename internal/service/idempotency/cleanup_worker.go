package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

type cleanupConfig struct {
	logger     *log.Entry
	registerer prometheus.Registerer
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*cleanupConfig)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(c *cleanupConfig) { c.logger = logger }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(c *cleanupConfig) { c.interval = interval }
}

// WithBatchSize задаёт число ключей, удаляемых одним запросом.
func WithBatchSize(size int) CleanupOption {
	return func(c *cleanupConfig) { c.batchSize = size }
}

// WithCleanupRegisterer задаёт registerer для метрик очистки.
func WithCleanupRegisterer(registerer prometheus.Registerer) CleanupOption {
	return func(c *cleanupConfig) { c.registerer = registerer }
}

// WithCleanupClock подменяет источник текущего времени.
func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(c *cleanupConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// CleanupWorker удаляет ключи идемпотентности с истёкшим TTL из хранилища заказов.
// Redis-бэкенду воркер не нужен: там ключи истекают сами.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	metrics   *metrics.IdempotencyCleanupMetrics
	logger    *log.Entry
	now       func() time.Time
	interval  time.Duration
	batchSize int
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, opts ...CleanupOption) *CleanupWorker {
	cfg := cleanupConfig{
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if cfg.interval <= 0 {
		cfg.interval = defaultCleanupInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultCleanupBatchSize
	}

	return &CleanupWorker{
		repo:      repo,
		metrics:   metrics.NewIdempotencyCleanupMetricsWithRegisterer(cfg.registerer),
		logger:    cfg.logger,
		now:       cfg.now,
		interval:  cfg.interval,
		batchSize: cfg.batchSize,
	}
}

// Run выполняет проход сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	switch {
	case err == nil:
		w.metrics.RecordSweep(metrics.CleanupResultOK, deleted)
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		w.metrics.RecordSweep(metrics.CleanupResultError, deleted)
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
	}
}

// DeleteExpired удаляет ключи с TTL не позже before, порциями batchSize,
// пока очередная порция не окажется неполной.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, fmt.Errorf("delete expired idempotency keys: %w", err)
		}
		total += n
		w.metrics.AddDeleted(n)

		if n < w.batchSize {
			return total, nil
		}
	}
}
