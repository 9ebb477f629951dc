package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	loggerKey       = "logger"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog кладёт в контекст логгер запроса и после обработки пишет строку журнала и метрики.
func accessLog(base *log.Entry, m *metrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		entry := base.WithField(requestIDKey, c.GetString(requestIDKey))
		c.Set(loggerKey, entry)

		c.Next()

		route := c.FullPath()
		status := c.Writer.Status()
		elapsed := time.Since(start)
		m.Observe(route, c.Request.Method, status, elapsed)

		fields := log.Fields{
			"method":   c.Request.Method,
			"route":    route,
			"status":   status,
			"duration": elapsed.String(),
		}
		if principal, ok := auth.PrincipalFrom(c); ok {
			fields["user_id"] = principal.UserID
		}
		entry = entry.WithFields(fields)

		switch {
		case status >= 500:
			entry.Warn("request failed")
		default:
			entry.Debug("request handled")
		}
	}
}

func loggerFrom(c *gin.Context) *log.Entry {
	if v, ok := c.Get(loggerKey); ok {
		if entry, ok := v.(*log.Entry); ok {
			return entry
		}
	}
	return log.WithField("component", "http-api")
}
