package domain

import (
	"fmt"
	"strings"
)

// CheckoutLine — одна запрошенная позиция.
type CheckoutLine struct {
	ProductID int64
	Quantity  int
}

// CheckoutRequest — входной контракт оформления заказа.
// UserID приходит от слоя аутентификации и повторно не проверяется.
type CheckoutRequest struct {
	UserID   string
	Lines    []CheckoutLine
	Shipping ShippingAddress
	Notes    string
}

// Validate отклоняет запрос до открытия транзакции.
// Возвращает *ValidationError со всеми найденными нарушениями.
func (r CheckoutRequest) Validate() error {
	var problems []string

	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "user is required")
	}
	if len(r.Lines) == 0 {
		problems = append(problems, "at least one item is required")
	}
	for i, line := range r.Lines {
		if line.ProductID <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d]: product_id must be positive", i))
		}
		if line.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
	}

	required := []struct {
		field string
		value string
	}{
		{"shipping_address", r.Shipping.Address},
		{"shipping_city", r.Shipping.City},
		{"shipping_state", r.Shipping.State},
		{"shipping_zip", r.Shipping.PostalCode},
		{"shipping_country", r.Shipping.Country},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			problems = append(problems, f.field+" is required")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
