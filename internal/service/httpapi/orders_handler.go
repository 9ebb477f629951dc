package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func (h *handler) listOrders(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := h.orders.ListForUser(c.Request.Context(), principal.UserID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOrders(c, list)
}

// listAllOrders — заказы всех покупателей для администратора.
func (h *handler) listAllOrders(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := h.orders.ListAll(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOrders(c, list)
}

// queryLimit читает необязательный ?limit=; 0 означает лимит по умолчанию.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return limit, true
}

func writeOrders(c *gin.Context, list []domain.Order) {
	out := make([]orderResponse, 0, len(list))
	for _, order := range list {
		out = append(out, newOrderResponse(order))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *handler) getOrder(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	order, err := h.orders.Get(c.Request.Context(), principal.UserID, c.Param("number"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

func (h *handler) orderTimeline(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)
	number := c.Param("number")

	events, err := h.orders.Timeline(c.Request.Context(), principal.UserID, number)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]timelineEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, timelineEventResponse{Type: event.Type, Reason: event.Reason, Actor: event.Actor, Occurred: event.Occurred})
	}
	c.JSON(http.StatusOK, gin.H{"order_number": number, "events": out})
}

func (h *handler) updateOrderStatus(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	var body statusUpdateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	order, err := h.orders.ChangeStatus(c.Request.Context(), c.Param("number"), domain.OrderStatus(body.Status), principal.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	loggerFrom(c).WithFields(log.Fields{
		"order_number": order.OrderNumber,
		"status":       order.Status,
		"admin":        principal.UserID,
	}).Info("order status updated")
	c.JSON(http.StatusOK, newOrderResponse(order))
}

func (h *handler) getProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product id must be a positive integer"})
		return
	}

	product, err := h.products.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProductResponse(product))
}
