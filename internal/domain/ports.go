package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutStore открывает единицу работы оформления заказа.
type CheckoutStore interface {
	// Begin открывает транзакцию с ограниченным ожиданием блокировок.
	Begin(ctx context.Context) (CheckoutTx, error)
}

// CheckoutTx — граница транзакции оформления. Все изменения видны другим
// транзакциям только после Commit; после Commit или Rollback объект использовать нельзя.
type CheckoutTx interface {
	// LockProduct берёт эксклюзивную блокировку строки товара до конца транзакции.
	// Возвращает *ProductNotFoundError или ErrLockTimeout.
	LockProduct(ctx context.Context, productID int64) (Product, error)
	// DecrementStock уменьшает остаток ранее заблокированного товара.
	DecrementStock(ctx context.Context, productID int64, quantity int) error
	// InsertOrder сохраняет заголовок и позиции, проставляя идентификаторы.
	// При занятом номере возвращает ErrOrderNumberTaken, транзакция остаётся пригодной.
	InsertOrder(ctx context.Context, order *Order) error
	// EnqueueOutbox пишет событие в outbox в рамках той же транзакции.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
	Commit() error
	Rollback() error
}

// ProductRepository — чтение и наполнение каталога (внешний коллаборатор оформления).
type ProductRepository interface {
	Create(ctx context.Context, product Product) (Product, error)
	Get(ctx context.Context, id int64) (Product, error)
	List(ctx context.Context) ([]Product, error)
	UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error
}

// OrderRepository — чтение журнала заказов и административная смена статуса.
type OrderRepository interface {
	// GetByNumber возвращает заказ с позициями или ErrOrderNotFound.
	GetByNumber(ctx context.Context, number string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми; limit <= 0 — без ограничения.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListAll возвращает заказы всех пользователей, новые первыми.
	ListAll(ctx context.Context, limit int) ([]Order, error)
	// UpdateStatus меняет статус, проверяя допустимость перехода под блокировкой.
	UpdateStatus(ctx context.Context, number string, next OrderStatus) (Order, OrderStatus, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderNumber string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Release удаляет ключ, чтобы запрос с тем же ключом можно было повторить.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
