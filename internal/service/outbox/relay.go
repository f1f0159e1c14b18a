package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// DeadLetter — конверт сообщения, которое не удалось опубликовать.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"failed_at"`
}

type config struct {
	logger         *log.Entry
	dlq            domain.OutboxPublisher
	registerer     prometheus.Registerer
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// Option настраивает Relay.
type Option func(*config)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *config) { c.logger = logger }
}

// WithDLQPublisher задаёт publisher для сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(c *config) { c.dlq = publisher }
}

// WithRegisterer задаёт registerer для метрик relay.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(c *config) { c.registerer = registerer }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) { c.pollInterval = interval }
}

// WithBatchSize задаёт размер выборки за один цикл.
func WithBatchSize(size int) Option {
	return func(c *config) { c.batchSize = size }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения.
func WithMaxAttempts(attempts int) Option {
	return func(c *config) { c.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт начальную задержку exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(c *config) { c.retryBaseDelay = delay }
}

// Relay переносит события order.created и order.rejected из outbox в брокер.
// Доставка at-least-once: сообщение помечается sent только после успешной публикации.
type Relay struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	metrics   *metrics.OutboxMetrics
	logger    *log.Entry
	now       func() time.Time

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewRelay создаёт relay поверх репозитория outbox.
func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Relay {
	cfg := config{
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-relay")
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = defaultPollInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}
	if cfg.retryBaseDelay < 0 {
		cfg.retryBaseDelay = 0
	}

	return &Relay{
		repo:           repo,
		publisher:      publisher,
		dlq:            cfg.dlq,
		metrics:        metrics.NewOutboxMetricsWithRegisterer(cfg.registerer),
		logger:         cfg.logger,
		now:            func() time.Time { return time.Now().UTC() },
		pollInterval:   cfg.pollInterval,
		batchSize:      cfg.batchSize,
		maxAttempts:    cfg.maxAttempts,
		retryBaseDelay: cfg.retryBaseDelay,
	}
}

// Run опрашивает outbox до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || r.publisher == nil {
		r.logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce публикует одну выборку pending-сообщений и возвращает число отправленных.
func (r *Relay) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer r.refreshBacklog(ctx)

	messages, err := r.repo.PullPending(ctx, r.batchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return sent
		}

		logger := r.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"event_type": msg.EventType,
		})

		if err := r.publishWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return sent
			}
			logger.WithError(err).Error("outbox publish failed after retries")
			r.metrics.RecordAttempt(metrics.OutboxResultFailed)

			if dlqErr := r.publishDeadLetter(ctx, msg, err); dlqErr != nil {
				logger.WithError(dlqErr).Warn("failed to publish to DLQ")
				r.metrics.RecordAttempt(metrics.OutboxResultDLQFailed)
			}
			if markErr := r.repo.MarkFailed(ctx, msg.ID); markErr != nil {
				logger.WithError(markErr).Warn("failed to mark outbox message as failed")
			}
			continue
		}

		if err := r.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox message as sent")
			continue
		}
		sent++
	}
	return sent
}

func (r *Relay) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.publisher.Publish(ctx, msg)
		if err == nil {
			r.metrics.RecordAttempt(metrics.OutboxResultSent)
			return nil
		}
		lastErr = err
		r.metrics.RecordAttempt(metrics.OutboxResultRetry)

		if attempt == r.maxAttempts {
			break
		}
		delay := backoff(r.retryBaseDelay, attempt)
		if delay == 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, r.maxAttempts, lastErr)
}

func (r *Relay) publishDeadLetter(ctx context.Context, msg domain.OutboxMessage, publishErr error) error {
	if r.dlq == nil {
		return nil
	}

	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		encoded, _ := json.Marshal(string(msg.Payload))
		payload = encoded
	}

	body, err := json.Marshal(DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishError:  publishErr.Error(),
		FailedAt:      r.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	letter := msg
	letter.Payload = body
	if err := r.dlq.Publish(ctx, letter); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (r *Relay) refreshBacklog(ctx context.Context) {
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		r.metrics.SetBacklog(stats.PendingCount, 0)
		return
	}
	r.metrics.SetBacklog(stats.PendingCount, r.now().Sub(stats.OldestPendingAt))
}

// backoff удваивает base на каждой следующей попытке с защитой от переполнения.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	const maxDelay = time.Duration(1<<63 - 1)
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return delay
}
