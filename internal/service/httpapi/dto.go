package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type checkoutItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type checkoutRequest struct {
	Items           []checkoutItemRequest `json:"items"`
	ShippingAddress string                `json:"shipping_address"`
	ShippingCity    string                `json:"shipping_city"`
	ShippingState   string                `json:"shipping_state"`
	ShippingZip     string                `json:"shipping_zip"`
	ShippingCountry string                `json:"shipping_country"`
	Notes           string                `json:"notes"`
}

func (r checkoutRequest) toDomain(userID string) domain.CheckoutRequest {
	lines := make([]domain.CheckoutLine, 0, len(r.Items))
	for _, item := range r.Items {
		lines = append(lines, domain.CheckoutLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return domain.CheckoutRequest{
		UserID: userID,
		Lines:  lines,
		Shipping: domain.ShippingAddress{
			Address:    r.ShippingAddress,
			City:       r.ShippingCity,
			State:      r.ShippingState,
			PostalCode: r.ShippingZip,
			Country:    r.ShippingCountry,
		},
		Notes: r.Notes,
	}
}

type statusUpdateRequest struct {
	Status string `json:"status" binding:"required"`
}

// Денежные суммы отдаются строками с двумя знаками после запятой.
type orderItemResponse struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	Quantity    int    `json:"quantity"`
	PriceAtTime string `json:"price_at_time"`
	LineTotal   string `json:"line_total"`
}

type orderResponse struct {
	ID              int64               `json:"id"`
	OrderNumber     string              `json:"order_number"`
	UserID          string              `json:"user_id"`
	Status          string              `json:"status"`
	TotalAmount     string              `json:"total_amount"`
	ShippingAddress string              `json:"shipping_address"`
	ShippingCity    string              `json:"shipping_city"`
	ShippingState   string              `json:"shipping_state"`
	ShippingZip     string              `json:"shipping_zip"`
	ShippingCountry string              `json:"shipping_country"`
	Notes           string              `json:"notes,omitempty"`
	Items           []orderItemResponse `json:"items"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func newOrderResponse(order domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ID:          item.ID,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime.StringFixed(2),
			LineTotal:   item.LineTotal().StringFixed(2),
		})
	}
	return orderResponse{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Status:          string(order.Status),
		TotalAmount:     order.TotalAmount.StringFixed(2),
		ShippingAddress: order.Shipping.Address,
		ShippingCity:    order.Shipping.City,
		ShippingState:   order.Shipping.State,
		ShippingZip:     order.Shipping.PostalCode,
		ShippingCountry: order.Shipping.Country,
		Notes:           order.Notes,
		Items:           items,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

type productResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Price         string `json:"price"`
	StockQuantity int    `json:"stock_quantity"`
	StockStatus   string `json:"stock_status"`
}

func newProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:            p.ID,
		Name:          p.Name,
		Price:         p.Price.StringFixed(2),
		StockQuantity: p.StockQuantity,
		StockStatus:   string(p.StockStatus()),
	}
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Actor    string    `json:"actor,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}
