package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultKeyTTL = 24 * time.Hour

	persistAttempts = 3
	persistTimeout  = 2 * time.Second
	persistBackoff  = 50 * time.Millisecond
)

// Failure — сохранённый окончательный отказ. Code — код в терминах транспорта.
type Failure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Details — закодированный транспортом отказ целиком, включая структурированные детали.
	Details []byte `json:"details,omitempty"`
}

// Outcome — результат выполнения или воспроизведения запроса.
type Outcome struct {
	// Body — тело успешного ответа.
	Body []byte
	// Failure заполнен, если воспроизводится ранее сохранённый отказ.
	Failure *Failure
	// Replayed — ответ взят из хранилища, операция не выполнялась.
	Replayed bool
}

// Classifier переводит ошибку операции в Failure.
// terminal=false означает временную ошибку: ключ освобождается, клиент может повторить запрос.
type Classifier func(err error) (f Failure, terminal bool)

// Guard защищает неидемпотентную операцию ключом идемпотентности.
type Guard struct {
	repo    domain.IdempotencyRepository
	ttl     time.Duration
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithKeyTTL задаёт время жизни ключа.
func WithKeyTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardMetrics включает учёт воспроизведённых ответов.
func WithGuardMetrics(m *metrics.CheckoutMetrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// NewGuard создаёт Guard. При repo == nil операции выполняются без защиты.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    defaultKeyTTL,
		logger: log.WithField("component", "idempotency-guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute выполняет fn не более одного раза для пары (key, requestHash).
//
// Пустой key выполняет fn без защиты. Повтор с тем же ключом и хешем возвращает
// сохранённый результат; с другим хешем — ErrIdempotencyHashMismatch; пока первый
// запрос выполняется — ErrIdempotencyInProgress. Окончательные отказы (classify
// вернул terminal) сохраняются и воспроизводятся, временные освобождают ключ.
func (g *Guard) Execute(
	ctx context.Context,
	key, requestHash string,
	classify Classifier,
	fn func(ctx context.Context) ([]byte, error),
) (Outcome, error) {
	key = strings.TrimSpace(key)
	if key == "" || g == nil || g.repo == nil {
		body, err := fn(ctx)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Body: body}, nil
	}

	logger := g.logger.WithField("idempotency_key", key)

	_, err := g.repo.CreateProcessing(ctx, key, requestHash, time.Now().UTC().Add(g.ttl))
	if err != nil {
		return g.replay(ctx, logger, key, err)
	}

	body, opErr := fn(ctx)
	if opErr != nil {
		failure, terminal := classify(opErr)
		if !terminal {
			if relErr := g.repo.Release(ctx, key); relErr != nil && !errors.Is(relErr, domain.ErrIdempotencyKeyNotFound) {
				logger.WithError(relErr).Warn("failed to release idempotency key")
			}
			return Outcome{}, opErr
		}

		payload, marshalErr := json.Marshal(failure)
		if marshalErr != nil {
			logger.WithError(marshalErr).Warn("failed to encode idempotency failure")
			return Outcome{}, opErr
		}
		g.persist(ctx, logger, domain.IdempotencyStatusFailed, func(ctx context.Context) error {
			return g.repo.MarkFailed(ctx, key, payload, failure.Code)
		})
		return Outcome{}, opErr
	}

	g.persist(ctx, logger, domain.IdempotencyStatusDone, func(ctx context.Context) error {
		return g.repo.MarkDone(ctx, key, body, 0)
	})
	return Outcome{Body: body}, nil
}

// persist сохраняет результат уже выполненной операции. Отмена запроса клиентом
// не прерывает запись. Освобождать ключ здесь нельзя: повтор создал бы второй заказ,
// поэтому после исчерпания попыток ключ остаётся в processing до истечения TTL.
func (g *Guard) persist(ctx context.Context, logger *log.Entry, status domain.IdempotencyStatus, mark func(ctx context.Context) error) {
	detached := context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(detached, persistTimeout)
		err = mark(attemptCtx)
		cancel()
		if err == nil {
			return
		}
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * persistBackoff)
		}
	}

	logger.WithError(err).WithField("status", string(status)).Error("failed to persist idempotency result, key stays in processing until ttl")
	if g.metrics != nil {
		g.metrics.RecordIdempotencyPersistFailure(string(status))
	}
}

func (g *Guard) replay(ctx context.Context, logger *log.Entry, key string, createErr error) (Outcome, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		g.recordReplay("hash_mismatch")
		return Outcome{}, domain.ErrIdempotencyHashMismatch
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		return Outcome{}, fmt.Errorf("create idempotency record: %w", createErr)
	}

	record, err := g.repo.Get(ctx, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("load idempotency record: %w", err)
	}

	switch record.Status {
	case domain.IdempotencyStatusProcessing:
		g.recordReplay("in_progress")
		return Outcome{}, domain.ErrIdempotencyInProgress
	case domain.IdempotencyStatusDone:
		g.recordReplay("done")
		logger.Debug("replaying stored response")
		return Outcome{Body: record.ResponseBody, Replayed: true}, nil
	case domain.IdempotencyStatusFailed:
		var failure Failure
		if err := json.Unmarshal(record.ResponseBody, &failure); err != nil {
			return Outcome{}, fmt.Errorf("decode stored idempotency failure: %w", err)
		}
		g.recordReplay("failed")
		logger.Debug("replaying stored failure")
		return Outcome{Failure: &failure, Replayed: true}, nil
	default:
		return Outcome{}, fmt.Errorf("unexpected idempotency status %q", record.Status)
	}
}

func (g *Guard) recordReplay(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordIdempotencyReplay(outcome)
	}
}

// HashRequest строит хеш запроса: sha256(operation + ":" + JSON(payload)).
func HashRequest(operation string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request for hash: %w", err)
	}
	sum := sha256.Sum256(append([]byte(operation+":"), data...))
	return hex.EncodeToString(sum[:]), nil
}
