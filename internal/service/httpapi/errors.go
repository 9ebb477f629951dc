package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

// retryAfterSeconds подсказывает клиенту паузу перед повтором при конкуренции за остатки.
const retryAfterSeconds = "1"

type apiError struct {
	status     int
	body       gin.H
	retryAfter string
}

// mapError переводит доменную ошибку в HTTP-ответ.
func mapError(err error) apiError {
	var (
		validation   *domain.ValidationError
		notFound     *domain.ProductNotFoundError
		insufficient *domain.InsufficientStockError
	)

	switch {
	case errors.As(err, &validation):
		return apiError{status: http.StatusBadRequest, body: gin.H{
			"error":   domain.ErrInvalidRequest.Error(),
			"details": validation.Problems,
		}}
	case errors.As(err, &notFound):
		return apiError{status: http.StatusNotFound, body: gin.H{
			"error":      err.Error(),
			"product_id": notFound.ProductID,
		}}
	case errors.As(err, &insufficient):
		return apiError{status: http.StatusConflict, body: gin.H{
			"error":      insufficient.Error(),
			"product_id": insufficient.ProductID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
		}}
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidOrderStatus):
		return apiError{status: http.StatusBadRequest, body: gin.H{"error": err.Error()}}
	case errors.Is(err, domain.ErrProductNotFound):
		return apiError{status: http.StatusNotFound, body: gin.H{"error": domain.ErrProductNotFound.Error()}}
	case errors.Is(err, domain.ErrOrderNotFound):
		return apiError{status: http.StatusNotFound, body: gin.H{"error": domain.ErrOrderNotFound.Error()}}
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		return apiError{status: http.StatusConflict, body: gin.H{"error": err.Error()}}
	case domain.IsRetryable(err):
		return apiError{
			status:     http.StatusServiceUnavailable,
			body:       gin.H{"error": "checkout is busy, retry later"},
			retryAfter: retryAfterSeconds,
		}
	case errors.Is(err, domain.ErrOrderCreationFailed):
		return apiError{status: http.StatusInternalServerError, body: gin.H{"error": domain.ErrOrderCreationFailed.Error()}}
	case errors.Is(err, idempotency.ErrInProgress):
		return apiError{status: http.StatusConflict, body: gin.H{"error": err.Error()}}
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return apiError{status: http.StatusUnprocessableEntity, body: gin.H{"error": err.Error()}}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apiError{status: http.StatusGatewayTimeout, body: gin.H{"error": "request canceled"}}
	default:
		return apiError{status: http.StatusInternalServerError, body: gin.H{"error": "internal error"}}
	}
}

func writeError(c *gin.Context, err error) {
	apiErr := mapError(err)
	if apiErr.status >= http.StatusInternalServerError {
		loggerFrom(c).WithError(err).Error("request failed")
	}
	if apiErr.retryAfter != "" {
		c.Header("Retry-After", apiErr.retryAfter)
	}
	c.JSON(apiErr.status, apiErr.body)
}
