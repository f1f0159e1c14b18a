package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultKeyPrefix = "checkout:idem:"
	opTimeout        = 2 * time.Second
)

// Запись хранится в hash; TTL ключа совпадает с ttl_at, поэтому очистка выполняется самим Redis.
var createProcessingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'request_hash', ARGV[1],
	'status', ARGV[2],
	'ttl_at', ARGV[3],
	'created_at', ARGV[4],
	'updated_at', ARGV[4],
	'status_code', '0',
	'response_body', '')
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

var markStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1],
	'status', ARGV[1],
	'response_body', ARGV[2],
	'status_code', ARGV[3],
	'updated_at', ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// IdempotencyRepository хранит ключи идемпотентности в Redis.
type IdempotencyRepository struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Option настраивает IdempotencyRepository.
type Option func(*IdempotencyRepository)

// WithKeyPrefix задаёт префикс ключей (по умолчанию checkout:idem:).
func WithKeyPrefix(prefix string) Option {
	return func(r *IdempotencyRepository) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client redis.UniversalClient, opts ...Option) *IdempotencyRepository {
	r := &IdempotencyRepository{client: client, keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)

	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	created, err := createProcessingScript.Run(opCtx, r.client, []string{r.redisKey(key)},
		requestHash,
		string(domain.IdempotencyStatusProcessing),
		ttlAt.UnixMilli(),
		now.UnixMilli(),
	).Int()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	if created == 0 {
		existing, getErr := r.Get(ctx, key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if existing.RequestHash != requestHash {
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}

	return domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       time.UnixMilli(ttlAt.UnixMilli()).UTC(),
		CreatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	if len(fields) == 0 {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}

	return decodeRecord(key, fields)
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, statusCode)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, statusCode)
}

// Release удаляет ключ, только если запрос ещё в статусе processing.
func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, r.client, []string{r.redisKey(key)}, string(domain.IdempotencyStatusProcessing)).Int()
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	if deleted == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired ничего не делает: просроченные ключи удаляет Redis.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, nil
}

func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, statusCode int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updated, err := markStatusScript.Run(ctx, r.client, []string{r.redisKey(key)},
		string(status),
		string(responseBody),
		statusCode,
		time.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("mark idempotency key status: %w", err)
	}
	if updated == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *IdempotencyRepository) redisKey(key string) string {
	return r.keyPrefix + key
}

func decodeRecord(key string, fields map[string]string) (domain.IdempotencyRecord, error) {
	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: fields["request_hash"],
		Status:      domain.IdempotencyStatus(fields["status"]),
	}
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", fields["status"], key)
	}
	if body := fields["response_body"]; body != "" {
		record.ResponseBody = []byte(body)
	}

	var err error
	if record.StatusCode, err = strconv.Atoi(fields["status_code"]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("parse status_code for key %s: %w", key, err)
	}
	if record.TTLAt, err = parseMillis(fields["ttl_at"]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("parse ttl_at for key %s: %w", key, err)
	}
	if record.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("parse created_at for key %s: %w", key, err)
	}
	if record.UpdatedAt, err = parseMillis(fields["updated_at"]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("parse updated_at for key %s: %w", key, err)
	}
	return record, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
