// Package redis хранит ключи идемпотентности в Redis, когда несколько реплик
// сервиса должны видеть одни и те же ключи без общей базы.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	keyPrefix       = "storefront:idempotency:"
	minTTL          = time.Millisecond
	opTimeout       = 2 * time.Second
	maxWatchRetries = 3
)

// record — JSON-представление domain.IdempotencyRecord в Redis.
type record struct {
	Key          string `json:"key"`
	RequestHash  string `json:"request_hash"`
	ResponseBody []byte `json:"response_body,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	Status       string `json:"status"`
	TTLAt        int64  `json:"ttl_at"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func toRecord(r domain.IdempotencyRecord) record {
	return record{
		Key:          r.Key,
		RequestHash:  r.RequestHash,
		ResponseBody: r.ResponseBody,
		HTTPStatus:   r.HTTPStatus,
		Status:       string(r.Status),
		TTLAt:        r.TTLAt.UnixNano(),
		CreatedAt:    r.CreatedAt.UnixNano(),
		UpdatedAt:    r.UpdatedAt.UnixNano(),
	}
}

func (r record) toDomain() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          r.Key,
		RequestHash:  r.RequestHash,
		ResponseBody: append([]byte(nil), r.ResponseBody...),
		HTTPStatus:   r.HTTPStatus,
		Status:       domain.IdempotencyStatus(r.Status),
		TTLAt:        time.Unix(0, r.TTLAt).UTC(),
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, r.UpdatedAt).UTC(),
	}
}

// IdempotencyRepository — реализация domain.IdempotencyRepository поверх Redis.
// Срок жизни ключа совпадает с TTL записи, поэтому Redis удаляет истёкшие ключи сам.
type IdempotencyRepository struct {
	client goredis.UniversalClient
	now    func() time.Time
}

// NewIdempotencyRepository создаёт репозиторий поверх готового клиента.
func NewIdempotencyRepository(client goredis.UniversalClient) *IdempotencyRepository {
	return &IdempotencyRepository{client: client, now: time.Now}
}

// Dial создаёт клиента и проверяет доступность Redis.
func Dial(ctx context.Context, addr string) (goredis.UniversalClient, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func redisKey(key string) string {
	return keyPrefix + key
}

func ttlUntil(ttlAt, now time.Time) time.Duration {
	ttl := ttlAt.Sub(now)
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := r.now().UTC()
	rec, err := domain.NewProcessingRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	payload, err := json.Marshal(toRecord(rec))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("encode idempotency record: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	created, err := r.client.SetNX(opCtx, redisKey(rec.Key), payload, ttlUntil(rec.TTLAt, now)).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	if !created {
		existing, getErr := r.Get(ctx, rec.Key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		return existing, existing.ConflictWith(rec.RequestHash)
	}
	return rec, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return decode(key, raw)
}

func decode(key string, raw []byte) (domain.IdempotencyRecord, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	out := rec.toDomain()
	if !out.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", rec.Status, key)
	}
	return out, nil
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// DeleteExpired ничего не делает: истёкшие ключи Redis удаляет по TTL.
func (r *IdempotencyRepository) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// markStatus обновляет запись под WATCH, сохраняя оставшийся TTL ключа.
func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rk := redisKey(key)
	update := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return domain.ErrIdempotencyKeyNotFound
			}
			return err
		}
		rec, err := decode(key, raw)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.ResponseBody = append([]byte(nil), responseBody...)
		rec.HTTPStatus = httpStatus
		rec.UpdatedAt = r.now().UTC()

		payload, err := json.Marshal(toRecord(rec))
		if err != nil {
			return fmt.Errorf("encode idempotency record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, rk, payload, goredis.SetArgs{KeepTTL: true, Mode: "XX"})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, update, rk)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return fmt.Errorf("mark idempotency key status: %w", err)
		}
		return err
	}
	return fmt.Errorf("mark idempotency key status: %w", goredis.TxFailedErr)
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
