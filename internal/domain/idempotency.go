package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL — срок жизни ключа, если вызывающая сторона не задала свой.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus описывает жизненный цикл ключа Idempotency-Key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — оформление по ключу ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — заказ оформлен, ответ сохранён для повторов.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — оформление отклонено детерминированной ошибкой клиента.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord связывает ключ с отпечатком запроса и сохранённым ответом.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewProcessingRecord проверяет ключ и отпечаток и строит запись в статусе processing.
// Нулевой ttlAt заменяется на now+DefaultIdempotencyTTL.
func NewProcessingRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}

	now = now.UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired сообщает, что срок жизни ключа истёк к моменту now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// ConflictWith возвращает ошибку повторной регистрации живого ключа.
func (r IdempotencyRecord) ConflictWith(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}
