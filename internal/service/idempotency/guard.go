package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL — срок жизни ключа идемпотентности по умолчанию.
const DefaultTTL = domain.DefaultIdempotencyTTL

// ErrInProgress — запрос с тем же ключом ещё выполняется.
var ErrInProgress = errors.New("request with the same idempotency key is already processing")

// Response — сохранённый ответ, который отдаётся при повторе запроса.
type Response struct {
	Status int
	Body   []byte
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithGuardLogger задает logger для guard.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTTL задает срок жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// Guard связывает ключ Idempotency-Key с результатом первого выполнения запроса.
//
// Успешный ответ и детерминированная ошибка клиента (4xx) сохраняются и
// воспроизводятся. Ответы, после которых запрос имеет смысл повторить
// (429 и 5xx), освобождают ключ.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewGuard создает guard поверх репозитория ключей. Nil-репозиторий отключает проверку.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    DefaultTTL,
		logger: log.WithField("component", "idempotency-guard"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled сообщает, подключено ли хранилище ключей.
func (g *Guard) Enabled() bool {
	return g != nil && g.repo != nil
}

// Begin занимает ключ. Если запрос уже выполнялся, возвращает сохранённый ответ.
// Nil-ответ без ошибки означает, что запрос нужно выполнить и затем вызвать Finish.
func (g *Guard) Begin(ctx context.Context, key, requestHash string) (*Response, error) {
	if !g.Enabled() {
		return nil, nil
	}

	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().UTC().Add(g.ttl))
	if err == nil {
		return nil, nil
	}

	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return nil, err
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return replay(record)
	default:
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return nil, fmt.Errorf("initialize idempotency request: %w", err)
	}
}

func replay(record domain.IdempotencyRecord) (*Response, error) {
	switch record.Status {
	case domain.IdempotencyStatusProcessing:
		return nil, ErrInProgress
	case domain.IdempotencyStatusDone:
		if len(record.ResponseBody) == 0 {
			return nil, errors.New("idempotency cache is empty")
		}
		status := record.HTTPStatus
		if status == 0 {
			status = http.StatusOK
		}
		return &Response{Status: status, Body: record.ResponseBody}, nil
	case domain.IdempotencyStatusFailed:
		status := record.HTTPStatus
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		return &Response{Status: status, Body: record.ResponseBody}, nil
	default:
		return nil, fmt.Errorf("unknown idempotency record status %q", record.Status)
	}
}

// Finish сохраняет ответ под ключом или освобождает ключ для повтора.
// Запись не зависит от отмены ctx: иначе после обрыва соединения ключ
// остаётся в processing до истечения TTL.
// Ошибки хранилища только логируются: клиент уже получил ответ.
func (g *Guard) Finish(ctx context.Context, key string, resp Response) {
	if !g.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	logger := g.logger.WithField("idempotency_key", key).WithField("status", resp.Status)

	var err error
	switch {
	case retryableStatus(resp.Status):
		err = g.repo.Release(ctx, key)
	case resp.Status >= http.StatusBadRequest:
		err = g.repo.MarkFailed(ctx, key, resp.Body, resp.Status)
	default:
		err = g.repo.MarkDone(ctx, key, resp.Body, resp.Status)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// RequestHash строит отпечаток запроса: область (метод и маршрут), вызывающий и тело.
func RequestHash(scope, caller string, body []byte) string {
	payload := make([]byte, 0, len(scope)+len(caller)+2+len(body))
	payload = append(payload, scope...)
	payload = append(payload, ':')
	payload = append(payload, caller...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
