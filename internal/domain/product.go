package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LowStockThreshold — остаток, начиная с которого товар считается заканчивающимся.
const LowStockThreshold = 10

// StockStatus — агрегированное состояние остатка для витрины.
type StockStatus string

const (
	StockStatusInStock    StockStatus = "in_stock"
	StockStatusLowStock   StockStatus = "low_stock"
	StockStatusOutOfStock StockStatus = "out_of_stock"
)

// Product — товар каталога. Checkout читает его под блокировкой и уменьшает остаток.
type Product struct {
	ID            int64
	Name          string
	Price         decimal.Decimal
	StockQuantity int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StockStatus возвращает состояние остатка товара.
func (p Product) StockStatus() StockStatus {
	switch {
	case p.StockQuantity <= 0:
		return StockStatusOutOfStock
	case p.StockQuantity <= LowStockThreshold:
		return StockStatusLowStock
	default:
		return StockStatusInStock
	}
}

// Validate проверяет инварианты товара перед записью в каталог.
func (p Product) Validate() []error {
	var errs []error
	if p.StockQuantity < 0 {
		errs = append(errs, ErrStockNegative)
	}
	if p.Price.IsNegative() {
		errs = append(errs, ErrPriceNegative)
	}
	return errs
}
