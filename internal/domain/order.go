package domain

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан оформлением и ждёт обработки.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ подтверждён магазином.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPreparing — заказ собирается.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен, финальное состояние.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён, финальное состояние.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderNumberPrefix — фиксированный префикс человекочитаемого номера заказа.
const OrderNumberPrefix = "ORD-"

var orderNumberPattern = regexp.MustCompile(`^ORD-[0-9A-F]{8}$`)

var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
}

// Valid проверяет, что статус относится к жизненному циклу заказа.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransitionTo проверяет допустимость перехода, выполняемого администратором.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidOrderNumber проверяет формат ORD-XXXXXXXX.
func ValidOrderNumber(number string) bool {
	return orderNumberPattern.MatchString(number)
}

// ShippingAddress — адрес доставки; все поля обязательны.
type ShippingAddress struct {
	Address    string
	City       string
	State      string
	PostalCode string
	Country    string
}

// OrderItem — позиция заказа с ценой, зафиксированной в момент резервирования.
type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	Quantity    int
	PriceAtTime decimal.Decimal
	CreatedAt   time.Time
}

// LineTotal возвращает вклад позиции в сумму заказа.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.PriceAtTime.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order агрегирует заголовок заказа и его позиции.
type Order struct {
	ID          int64
	UserID      string
	OrderNumber string
	Status      OrderStatus
	TotalAmount decimal.Decimal
	Shipping    ShippingAddress
	Notes       string
	Items       []OrderItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemsTotal пересчитывает сумму по позициям.
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if !ValidOrderNumber(o.OrderNumber) {
		errs = append(errs, ErrOrderNumberFormat)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidOrderStatus)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalAmount.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}

	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceAtTime.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	// Сумма заказа фиксируется при создании и обязана совпадать с price_at_time × quantity.
	if !o.ItemsTotal().Equal(o.TotalAmount) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
