package checkout

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// reservedLine — строка, прошедшая проверку под блокировкой.
type reservedLine struct {
	productID int64
	quantity  int
	price     decimal.Decimal
}

// reservation — результат этапа резервирования.
type reservation struct {
	lines []reservedLine
	total decimal.Decimal
}

func (r reservation) units() int {
	n := 0
	for _, line := range r.lines {
		n += line.quantity
	}
	return n
}

// reserve блокирует товары в порядке запроса, проверяет остатки и фиксирует цены.
// Любая ошибка прерывает всё оформление; откат выполняет координатор.
func (s *Service) reserve(ctx context.Context, tx domain.CheckoutTx, lines []domain.CheckoutLine) (reservation, error) {
	res := reservation{
		lines: make([]reservedLine, 0, len(lines)),
		total: decimal.Zero,
	}
	locked := make(map[int64]domain.Product, len(lines))

	if s.sortedLocks {
		for _, id := range distinctSorted(lines) {
			product, err := s.lock(ctx, tx, id)
			if err != nil {
				return reservation{}, err
			}
			locked[id] = product
		}
	}

	// Товар может встречаться в нескольких строках: доступный остаток уменьшается
	// на уже зарезервированное в этой же транзакции.
	reserved := make(map[int64]int, len(lines))
	for _, line := range lines {
		product, ok := locked[line.ProductID]
		if !ok {
			var err error
			product, err = s.lock(ctx, tx, line.ProductID)
			if err != nil {
				return reservation{}, err
			}
			locked[line.ProductID] = product
		}

		available := product.StockQuantity - reserved[line.ProductID]
		if line.Quantity > available {
			return reservation{}, &domain.InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   available,
			}
		}
		reserved[line.ProductID] += line.Quantity

		res.lines = append(res.lines, reservedLine{
			productID: product.ID,
			quantity:  line.Quantity,
			price:     product.Price,
		})
		res.total = res.total.Add(product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	return res, nil
}

func (s *Service) lock(ctx context.Context, tx domain.CheckoutTx, productID int64) (domain.Product, error) {
	start := time.Now()
	product, err := tx.LockProduct(ctx, productID)
	s.metrics.RecordLockWait(time.Since(start))
	return product, err
}

func distinctSorted(lines []domain.CheckoutLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
