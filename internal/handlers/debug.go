package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"comm-server/internal/models"
	"comm-server/internal/telemetry"
)

// DebugDeps are the internals exposed by the debug routes.
type DebugDeps struct {
	Sessions interface {
		All() []models.Session
	}
	Pending interface {
		Pending(sessionID string) (queued, unacked int, ok bool)
	}
	Log interface {
		Recover(ctx context.Context, conv models.ConversationID) error
		Halted(conv models.ConversationID) bool
	}
	Audit *telemetry.AuditEmitter
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, deps DebugDeps, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/sessions", func(c *gin.Context) {
		type sessionView struct {
			models.Session
			Queued  int `json:"queued"`
			Unacked int `json:"unacked"`
		}
		sessions := deps.Sessions.All()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			view := sessionView{Session: s}
			if deps.Pending != nil {
				view.Queued, view.Unacked, _ = deps.Pending.Pending(s.ID)
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	})

	router.POST("/debug/conversations/:conversation_id/recover", func(c *gin.Context) {
		conv := models.ConversationID(c.Param("conversation_id"))
		if !deps.Log.Halted(conv) {
			c.JSON(http.StatusOK, gin.H{"conversation_id": conv, "halted": false})
			return
		}
		if err := deps.Log.Recover(c.Request.Context(), conv); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversation_id": conv, "halted": deps.Log.Halted(conv)})
	})

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if deps.Audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitAudit(c, deps.Audit, telemetry.AuditPayload{Level: "INFO", Text: "audit test", Action: "audit_test"})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
