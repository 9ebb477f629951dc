package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest — запрос на оформление отклонён до открытия транзакции.
	ErrInvalidRequest = errors.New("invalid checkout request")
	// ErrProductNotFound — запрошенный товар отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock — остатка товара не хватает для запрошенного количества.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrLockTimeout — строку товара не удалось заблокировать за отведённое время.
	ErrLockTimeout = errors.New("product lock wait timeout")
	// ErrOrderCreationFailed — заказ не удалось сохранить (исчерпаны попытки номера или сбой записи).
	ErrOrderCreationFailed = errors.New("order creation failed")
	// ErrOrderNumberTaken — сгенерированный номер заказа уже занят.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrSerializationFailure — транзакция прервана СУБД (deadlock или конфликт сериализации).
	ErrSerializationFailure = errors.New("transaction serialization failure")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidStatusTransition — переход статуса заказа запрещён.
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	// ErrInvalidOrderStatus — статус не входит в жизненный цикл заказа.
	ErrInvalidOrderStatus = errors.New("invalid order status")
	// ErrStockNegative — остаток товара не может быть отрицательным.
	ErrStockNegative = errors.New("stock quantity must be non-negative")
	// ErrPriceNegative — цена товара не может быть отрицательной.
	ErrPriceNegative = errors.New("price must be non-negative")
	// ErrTxDone — транзакция уже завершена commit или rollback.
	ErrTxDone = errors.New("checkout transaction already finished")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибки проверки инвариантов заказа.
	ErrUserRequired      = errors.New("user_id is required")
	ErrItemsRequired     = errors.New("order must contain at least one item")
	ErrAmountNegative    = errors.New("total_amount must be non-negative")
	ErrItemQtyInvalid    = errors.New("item quantity must be greater than zero")
	ErrItemPriceInvalid  = errors.New("item price must be non-negative")
	ErrAmountMismatch    = errors.New("order total does not match items sum")
	ErrOrderNumberFormat = errors.New("order number has invalid format")

	// ErrIdempotencyKeyRequired — пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован другим запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — ключ не найден или уже истёк.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// ProductNotFoundError уточняет, какой товар не найден.
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

func (e *ProductNotFoundError) Unwrap() error { return ErrProductNotFound }

// InsufficientStockError сообщает, сколько товара фактически доступно.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("only %d left in stock for %s (product %d), requested %d",
		e.Available, e.ProductName, e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ValidationError собирает все нарушения формата запроса.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// IsRetryable сообщает, имеет ли смысл вызывающей стороне повторить оформление.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrSerializationFailure)
}

// IsIdempotencyConflict проверяет, что ошибка вызвана конфликтом ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
