// Package httpapi — публичный JSON API витрины поверх gin: оформление заказа,
// история заказов пользователя, карточка товара, административные список заказов и смена статуса.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

// CheckoutService — координатор оформления заказа.
type CheckoutService interface {
	Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.Order, error)
}

// OrderService — чтение заказов и смена статуса.
type OrderService interface {
	Get(ctx context.Context, userID, number string) (domain.Order, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	ListAll(ctx context.Context, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, userID, number string) ([]domain.TimelineEvent, error)
	ChangeStatus(ctx context.Context, number string, next domain.OrderStatus, changedBy string) (domain.Order, error)
}

// Deps — зависимости API. Auth обязателен: без валидатора все запросы к /api/v1 получают 401.
type Deps struct {
	Checkout    CheckoutService
	Orders      OrderService
	Products    domain.ProductRepository
	Idempotency *idempotency.Guard
	Auth        *auth.Validator
	Limiter     *RateLimiter
	Metrics     *metrics.HTTPMetrics
	Health      http.Handler
	Logger      *log.Entry
}

type handler struct {
	checkout    CheckoutService
	orders      OrderService
	products    domain.ProductRepository
	idempotency *idempotency.Guard
}

// NewRouter собирает gin-движок со всеми маршрутами и middleware.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}

	h := &handler{
		checkout:    deps.Checkout,
		orders:      deps.Orders,
		products:    deps.Products,
		idempotency: deps.Idempotency,
	}

	r := gin.New()
	r.Use(
		requestID(),
		accessLog(logger, deps.Metrics),
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			loggerFrom(c).WithField("panic", recovered).Error("http handler panic")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}),
	)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	if deps.Health != nil {
		r.GET("/healthz", gin.WrapH(deps.Health))
	}

	api := r.Group("/api/v1", auth.RequireAuth(deps.Auth))
	api.POST("/orders", deps.Limiter.Middleware(), h.createOrder)
	api.GET("/orders", h.listOrders)
	api.GET("/orders/:number", h.getOrder)
	api.GET("/orders/:number/timeline", h.orderTimeline)
	api.GET("/products/:id", h.getProduct)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/orders", h.listAllOrders)
	admin.PUT("/orders/:number/status", h.updateOrderStatus)

	return r
}
