package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// checkoutTx копит изменения и применяет их к Store одним шагом при Commit.
// Удерживаемые блокировки товаров освобождаются при Commit или Rollback.
type checkoutTx struct {
	store *Store
	ctx   context.Context

	mu         sync.Mutex
	done       bool
	closed     chan struct{}
	held       map[int64]chan struct{}
	decrements map[int64]int
	orders     []domain.Order
	claimed    []string
	outbox     []domain.OutboxMessage
}

// watch откатывает транзакцию, если вызывающая сторона бросила запрос.
func (tx *checkoutTx) watch() {
	select {
	case <-tx.ctx.Done():
		_ = tx.Rollback()
	case <-tx.closed:
	}
}

func (tx *checkoutTx) LockProduct(ctx context.Context, productID int64) (domain.Product, error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return domain.Product{}, domain.ErrTxDone
	}
	_, alreadyHeld := tx.held[productID]
	tx.mu.Unlock()

	if !alreadyHeld {
		lock, exists := tx.store.productLock(productID)
		if !exists {
			return domain.Product{}, &domain.ProductNotFoundError{ProductID: productID}
		}
		if err := tx.store.acquire(ctx, lock); err != nil {
			return domain.Product{}, fmt.Errorf("lock product %d: %w", productID, err)
		}

		tx.mu.Lock()
		if tx.done {
			tx.mu.Unlock()
			release(lock)
			return domain.Product{}, domain.ErrTxDone
		}
		tx.held[productID] = lock
		tx.mu.Unlock()
	}

	tx.store.mu.RLock()
	product, ok := tx.store.products[productID]
	tx.store.mu.RUnlock()
	if !ok {
		tx.mu.Lock()
		if lock, held := tx.held[productID]; held && !tx.done {
			delete(tx.held, productID)
			release(lock)
		}
		tx.mu.Unlock()
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: productID}
	}

	tx.mu.Lock()
	product.StockQuantity -= tx.decrements[productID]
	tx.mu.Unlock()
	return product, nil
}

func (tx *checkoutTx) DecrementStock(_ context.Context, productID int64, quantity int) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return domain.ErrTxDone
	}
	if _, ok := tx.held[productID]; !ok {
		return fmt.Errorf("decrement stock: product %d is not locked by this transaction", productID)
	}

	tx.store.mu.RLock()
	product, ok := tx.store.products[productID]
	tx.store.mu.RUnlock()
	if !ok {
		return &domain.ProductNotFoundError{ProductID: productID}
	}
	if product.StockQuantity-tx.decrements[productID]-quantity < 0 {
		return fmt.Errorf("decrement stock of product %d: %w", productID, domain.ErrStockNegative)
	}
	tx.decrements[productID] += quantity
	return nil
}

func (tx *checkoutTx) InsertOrder(_ context.Context, order *domain.Order) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return domain.ErrTxDone
	}

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.orderByNumber[order.OrderNumber]; taken {
		return domain.ErrOrderNumberTaken
	}
	if _, taken := s.pendingNumbers[order.OrderNumber]; taken {
		return domain.ErrOrderNumberTaken
	}
	s.pendingNumbers[order.OrderNumber] = struct{}{}
	tx.claimed = append(tx.claimed, order.OrderNumber)

	s.nextOrderID++
	order.ID = s.nextOrderID
	for i := range order.Items {
		s.nextItemID++
		order.Items[i].ID = s.nextItemID
		order.Items[i].OrderID = order.ID
	}

	tx.orders = append(tx.orders, cloneOrder(*order))
	return nil
}

func (tx *checkoutTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return domain.ErrTxDone
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	tx.outbox = append(tx.outbox, msg)
	return nil
}

func (tx *checkoutTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		// Транзакцию мог откатить watch после отмены контекста.
		if err := tx.ctx.Err(); err != nil {
			return err
		}
		return domain.ErrTxDone
	}
	if err := tx.ctx.Err(); err != nil {
		tx.finishLocked()
		return err
	}

	s := tx.store
	// outbox пишется до применения изменений: ошибка здесь оставляет Store нетронутым.
	if err := s.enqueueOutbox(context.WithoutCancel(tx.ctx), tx.outbox); err != nil {
		tx.finishLocked()
		return err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	for id, n := range tx.decrements {
		product := s.products[id]
		product.StockQuantity -= n
		product.UpdatedAt = now
		s.products[id] = product
	}
	for _, order := range tx.orders {
		s.orders[order.ID] = order
		s.orderByNumber[order.OrderNumber] = order.ID
	}
	s.mu.Unlock()

	tx.finishLocked()
	return nil
}

func (tx *checkoutTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return domain.ErrTxDone
	}
	tx.finishLocked()
	return nil
}

// finishLocked снимает резерв номеров и отпускает блокировки. Вызывается под tx.mu.
func (tx *checkoutTx) finishLocked() {
	tx.done = true

	s := tx.store
	s.mu.Lock()
	for _, number := range tx.claimed {
		delete(s.pendingNumbers, number)
	}
	s.mu.Unlock()

	for id, lock := range tx.held {
		delete(tx.held, id)
		release(lock)
	}
	close(tx.closed)
}

// batchEnqueuer записывает сообщения транзакции все сразу или ни одного.
type batchEnqueuer interface {
	EnqueueBatch(ctx context.Context, msgs []domain.OutboxMessage) error
}

func (s *Store) enqueueOutbox(ctx context.Context, msgs []domain.OutboxMessage) error {
	if s.outbox == nil || len(msgs) == 0 {
		return nil
	}
	if batch, ok := s.outbox.(batchEnqueuer); ok {
		if err := batch.EnqueueBatch(ctx, msgs); err != nil {
			return fmt.Errorf("enqueue outbox messages: %w", err)
		}
		return nil
	}
	for _, msg := range msgs {
		if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
		}
	}
	return nil
}

var _ domain.CheckoutTx = (*checkoutTx)(nil)
