package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

const (
	idempotencyKeyHeader    = "Idempotency-Key"
	idempotentReplayHeader  = "Idempotent-Replayed"
	maxIdempotencyKeyLength = 255
	maxCheckoutBodyBytes    = 1 << 20
	checkoutScope           = "POST /api/v1/orders"
)

func (h *handler) createOrder(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)
	logger := loggerFrom(c).WithField("user_id", principal.UserID)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCheckoutBodyBytes)
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	var body checkoutRequest
	if err := binding.JSON.BindBody(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key is too long"})
		return
	}
	guarded := key != "" && h.idempotency.Enabled()
	// Ключи разных пользователей не пересекаются.
	scopedKey := principal.UserID + ":" + key

	if guarded {
		hash := idempotency.RequestHash(checkoutScope, principal.UserID, raw)
		replay, err := h.idempotency.Begin(c.Request.Context(), scopedKey, hash)
		if err != nil {
			if !errors.Is(err, idempotency.ErrInProgress) {
				logger.WithError(err).WithField("idempotency_key", key).Warn("idempotency check rejected request")
			}
			writeError(c, err)
			return
		}
		if replay != nil {
			c.Header(idempotentReplayHeader, "true")
			c.Data(replay.Status, binding.MIMEJSON, replay.Body)
			return
		}
	}

	order, err := h.checkout.Checkout(c.Request.Context(), body.toDomain(principal.UserID))

	status := http.StatusCreated
	var payload any
	apiErr := apiError{}
	if err != nil {
		apiErr = mapError(err)
		status, payload = apiErr.status, apiErr.body
		if status >= http.StatusInternalServerError {
			logger.WithError(err).Error("checkout failed")
		}
	} else {
		payload = newOrderResponse(*order)
		logger.WithField("order_number", order.OrderNumber).Info("order placed")
	}

	encoded, encErr := json.Marshal(payload)
	if encErr != nil {
		logger.WithError(encErr).Error("failed to encode checkout response")
		status = http.StatusInternalServerError
		encoded = []byte(`{"error":"internal error"}`)
	}

	if guarded {
		h.idempotency.Finish(c.Request.Context(), scopedKey, idempotency.Response{Status: status, Body: encoded})
	}
	if apiErr.retryAfter != "" {
		c.Header("Retry-After", apiErr.retryAfter)
	}
	c.Data(status, binding.MIMEJSON, encoded)
}
