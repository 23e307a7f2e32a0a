package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"comm-server/internal/middleware"
	"comm-server/internal/observability"
	"comm-server/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(observability.RequestIDContextKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(observability.RequestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int64 {
	if userID := c.GetInt64(middleware.UserIDKey); userID != 0 {
		return &userID
	}
	return nil
}

func emitAudit(c *gin.Context, emitter *telemetry.AuditEmitter, payload telemetry.AuditPayload) {
	if emitter == nil {
		return
	}
	emitter.Emit(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), payload)
}
