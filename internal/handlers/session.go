package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/poll"
	"comm-server/internal/session"
)

type SessionRegistry interface {
	Connect(userID int64, conn session.Conn, meta session.Meta) models.Session
	Disconnect(sessionID, reason string) bool
	Heartbeat(sessionID string) error
	Get(sessionID string) (models.Session, bool)
	Attachment(sessionID string) (session.Conn, context.Context, bool)
}

type SessionDelivery interface {
	Attach(ctx context.Context, sessionID string) (int, error)
	Ack(ctx context.Context, sessionID, messageID string) error
}

type LoginRecorder interface {
	TouchLogin(ctx context.Context, userID int64, at time.Time) error
}

// SessionOptions tunes the long-poll transport.
type SessionOptions struct {
	MaxWait     time.Duration
	MailboxSize int
}

// SessionHandler exposes sessions to clients that cannot hold a websocket.
type SessionHandler struct {
	registry SessionRegistry
	delivery SessionDelivery
	logins   LoginRecorder
	opts     SessionOptions
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(registry SessionRegistry, delivery SessionDelivery, logins LoginRecorder, opts SessionOptions) *SessionHandler {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 25 * time.Second
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	return &SessionHandler{registry: registry, delivery: delivery, logins: logins, opts: opts}
}

// CreateSession handles POST /sessions: connects a long-poll session and
// queues the user's backlog on it.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	userID := currentUser(c)
	s := h.registry.Connect(userID, poll.NewConn(h.opts.MailboxSize), session.Meta{
		Transport: poll.Transport,
		DeviceID:  observability.DeviceIDFromRequest(c.Request),
		IP:        observability.IPFromRequest(c.Request),
	})
	_ = h.logins.TouchLogin(c.Request.Context(), userID, s.ConnectedAt)

	pending, err := h.delivery.Attach(c.Request.Context(), s.ID)
	if err != nil {
		h.registry.Disconnect(s.ID, session.ReasonShutdown)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s, "pending": pending})
}

// Poll handles GET /sessions/:session_id/poll. It blocks until frames are
// available or the wait elapses, and counts as a heartbeat.
func (h *SessionHandler) Poll(c *gin.Context) {
	conn, ok := h.ownedPollConn(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if err := h.registry.Heartbeat(sessionID); err != nil {
		respondError(c, err)
		return
	}

	payloads, err := conn.Wait(c.Request.Context(), h.opts.MaxWait)
	if errors.Is(err, poll.ErrClosed) {
		respondError(c, apperrors.NotFound("session %s", sessionID))
		return
	}
	if err != nil {
		// client went away
		return
	}

	frames := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		frames = append(frames, p)
	}
	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

// Ack handles POST /sessions/:session_id/ack.
func (h *SessionHandler) Ack(c *gin.Context) {
	if _, ok := h.ownedSession(c); !ok {
		return
	}
	var req struct {
		MessageIDs []string `json:"message_ids" binding:"required,min=1,dive,required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := c.Param("session_id")
	for _, id := range req.MessageIDs {
		if err := h.delivery.Ack(c.Request.Context(), sessionID, id); err != nil {
			respondError(c, err)
			return
		}
	}
	_ = h.registry.Heartbeat(sessionID)
	c.Status(http.StatusNoContent)
}

// Heartbeat handles POST /sessions/:session_id/heartbeat.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	if _, ok := h.ownedSession(c); !ok {
		return
	}
	if err := h.registry.Heartbeat(c.Param("session_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CloseSession handles DELETE /sessions/:session_id.
func (h *SessionHandler) CloseSession(c *gin.Context) {
	if _, ok := h.ownedSession(c); !ok {
		return
	}
	h.registry.Disconnect(c.Param("session_id"), session.ReasonClientClosed)
	c.Status(http.StatusNoContent)
}

// ownedSession resolves the path session and checks it belongs to the caller.
// Foreign sessions look missing.
func (h *SessionHandler) ownedSession(c *gin.Context) (models.Session, bool) {
	sessionID := c.Param("session_id")
	s, ok := h.registry.Get(sessionID)
	if !ok || s.UserID != currentUser(c) {
		respondError(c, apperrors.NotFound("session %s", sessionID))
		return models.Session{}, false
	}
	return s, true
}

func (h *SessionHandler) ownedPollConn(c *gin.Context) (*poll.Conn, bool) {
	if _, ok := h.ownedSession(c); !ok {
		return nil, false
	}
	conn, _, ok := h.registry.Attachment(c.Param("session_id"))
	pc, isPoll := conn.(*poll.Conn)
	if !ok || !isPoll {
		c.JSON(http.StatusConflict, gin.H{"error": "session does not use long-poll"})
		return nil, false
	}
	return pc, true
}
