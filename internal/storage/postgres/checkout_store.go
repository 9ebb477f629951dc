package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const orderNumberConstraint = "orders_order_number_key"

// Begin открывает транзакцию оформления с lock_timeout, действующим до её конца.
// Отмена ctx откатывает транзакцию на стороне database/sql.
func (s *Store) Begin(ctx context.Context) (domain.CheckoutTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translate("begin checkout tx", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		lockTimeoutSetting(s.lockTimeout)); err != nil {
		_ = tx.Rollback()
		return nil, translate("set lock_timeout", err)
	}

	return &checkoutTx{tx: tx, ctx: ctx}, nil
}

// lockTimeoutSetting округляет предел вверх до миллисекунд: lock_timeout = 0 в PostgreSQL
// означает ожидание без ограничения.
func lockTimeoutSetting(d time.Duration) string {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return fmt.Sprintf("%dms", int64(max(ms, 1)))
}

type checkoutTx struct {
	tx  *sql.Tx
	ctx context.Context
}

// LockProduct читает товар через SELECT ... FOR UPDATE.
func (t *checkoutTx) LockProduct(ctx context.Context, productID int64) (domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, &domain.ProductNotFoundError{ProductID: productID}
		}
		return domain.Product{}, translate(fmt.Sprintf("lock product %d", productID), err)
	}
	return p, nil
}

// DecrementStock списывает остаток; условие в WHERE дублирует CHECK (stock_quantity >= 0).
func (t *checkoutTx) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND stock_quantity >= $2
	`, productID, quantity)
	if err != nil {
		return translate(fmt.Sprintf("decrement stock of product %d", productID), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("decrement stock of product %d: %w", productID, domain.ErrStockNegative)
	}
	return nil
}

// InsertOrder пишет заказ под savepoint: коллизия номера откатывает только вставку,
// блокировки и проверенные остатки транзакции сохраняются.
func (t *checkoutTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT order_insert`); err != nil {
		return translate("savepoint order_insert", err)
	}

	err := t.insertOrder(ctx, order)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT order_insert`); rbErr != nil {
			return translate("rollback to savepoint order_insert", rbErr)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == orderNumberConstraint {
			return domain.ErrOrderNumberTaken
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT order_insert`); err != nil {
		return translate("release savepoint order_insert", err)
	}
	return nil
}

func (t *checkoutTx) insertOrder(ctx context.Context, order *domain.Order) error {
	var orderID int64
	if err := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			user_id, order_number, status, total_amount,
			shipping_address, shipping_city, shipping_state, shipping_zip, shipping_country,
			notes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`,
		order.UserID, order.OrderNumber, string(order.Status), order.TotalAmount,
		order.Shipping.Address, order.Shipping.City, order.Shipping.State,
		order.Shipping.PostalCode, order.Shipping.Country,
		order.Notes, order.CreatedAt, order.UpdatedAt,
	).Scan(&orderID); err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return translate("insert order", err)
	}

	itemIDs := make([]int64, len(order.Items))
	for i, item := range order.Items {
		if err := t.tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price_at_time, created_at)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`, orderID, item.ProductID, item.Quantity, item.PriceAtTime, item.CreatedAt).Scan(&itemIDs[i]); err != nil {
			return translate("insert order item", err)
		}
	}

	order.ID = orderID
	for i := range order.Items {
		order.Items[i].ID = itemIDs[i]
		order.Items[i].OrderID = orderID
	}
	return nil
}

func (t *checkoutTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	if err := insertOutbox(ctx, t.tx, msg); err != nil {
		return translate("enqueue outbox message", err)
	}
	return nil
}

func (t *checkoutTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			// database/sql уже откатил транзакцию из-за отмены контекста.
			if ctxErr := t.ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return domain.ErrTxDone
		}
		return translate("commit checkout", err)
	}
	return nil
}

func (t *checkoutTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return domain.ErrTxDone
		}
		return fmt.Errorf("rollback checkout: %w", err)
	}
	return nil
}

var (
	_ domain.CheckoutStore = (*Store)(nil)
	_ domain.CheckoutTx    = (*checkoutTx)(nil)
)
