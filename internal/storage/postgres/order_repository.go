package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const orderColumns = `
	id, user_id, order_number, status, total_amount,
	shipping_address, shipping_city, shipping_state, shipping_zip, shipping_country,
	notes, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := row.Scan(
		&order.ID, &order.UserID, &order.OrderNumber, &status, &order.TotalAmount,
		&order.Shipping.Address, &order.Shipping.City, &order.Shipping.State,
		&order.Shipping.PostalCode, &order.Shipping.Country,
		&order.Notes, &order.CreatedAt, &order.UpdatedAt,
	)
	order.Status = domain.OrderStatus(status)
	return order, err
}

func (r *orderRepository) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := loadItems(ctx, r.db, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE user_id = $1`, limit, userID)
}

func (r *orderRepository) ListAll(ctx context.Context, limit int) ([]domain.Order, error) {
	return r.list(ctx, ``, limit)
}

// list выбирает заказы по условию where (аргументы $1..$n), новые первыми, вместе с позициями.
func (r *orderRepository) list(ctx context.Context, where string, limit int, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	for i := range orders {
		items, err := loadItems(ctx, r.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// UpdateStatus блокирует строку заказа, проверяет переход и сохраняет новый статус.
func (r *orderRepository) UpdateStatus(ctx context.Context, number string, next domain.OrderStatus) (order domain.Order, prev domain.OrderStatus, err error) {
	if !next.Valid() {
		return domain.Order{}, "", domain.ErrInvalidOrderStatus
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	order, err = scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_number = $1 FOR UPDATE`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, "", domain.ErrOrderNotFound
		}
		return domain.Order{}, "", translate("lock order", err)
	}

	prev = order.Status
	if !prev.CanTransitionTo(next) {
		return domain.Order{}, prev, domain.ErrInvalidStatusTransition
	}

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
	`, order.ID, string(next), now); err != nil {
		return domain.Order{}, prev, translate("update order status", err)
	}

	order.Items, err = loadItems(ctx, tx, order.ID)
	if err != nil {
		return domain.Order{}, prev, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Order{}, prev, translate("commit order status", err)
	}

	order.Status = next
	order.UpdatedAt = now
	return order, prev, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadItems(ctx context.Context, q queryer, orderID int64) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price_at_time, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.PriceAtTime, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
