package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const productColumns = `id, name, price, stock_quantity, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию каталога.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.Validate(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	var row *sql.Row
	if product.ID == 0 {
		row = r.db.QueryRowContext(ctx, `
			INSERT INTO products (name, price, stock_quantity, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$4)
			RETURNING `+productColumns,
			product.Name, product.Price, product.StockQuantity, now)
	} else {
		row = r.db.QueryRowContext(ctx, `
			INSERT INTO products (id, name, price, stock_quantity, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$5)
			RETURNING `+productColumns,
			product.ID, product.Name, product.Price, product.StockQuantity, now)
	}

	created, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, fmt.Errorf("product %d already exists", product.ID)
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}

	// Явный id не двигает BIGSERIAL: выравниваем последовательность для следующих вставок.
	if product.ID != 0 {
		if _, err := r.db.ExecContext(ctx,
			`SELECT setval(pg_get_serial_sequence('products', 'id'), (SELECT MAX(id) FROM products))`,
		); err != nil {
			return domain.Product{}, fmt.Errorf("sync product id sequence: %w", err)
		}
	}
	return created, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

func (r *productRepository) List(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// UpdatePrice меняет цену товара. Уже оформленные позиции хранят свою price_at_time.
func (r *productRepository) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	if price.IsNegative() {
		return domain.ErrPriceNegative
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE products
		SET price = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, price, time.Now().UTC())
	if err != nil {
		return translate("update product price", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.ProductNotFoundError{ProductID: id}
	}
	return nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
