// Package ws is the websocket transport. Each connection becomes one session;
// the client sends ack, heartbeat, send and typing frames and receives
// whatever the delivery router pushes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"comm-server/internal/apperrors"
	"comm-server/internal/messagelog"
	"comm-server/internal/middleware"
	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/session"
)

const Transport = "websocket"

// Client frame types.
const (
	FrameAck       = "ack"
	FrameHeartbeat = "heartbeat"
	FrameSend      = "send"
	FrameTyping    = "typing"
)

// ClientFrame is anything a client may send over the socket.
type ClientFrame struct {
	Type           string                `json:"type"`
	MessageID      string                `json:"message_id,omitempty"`
	ConversationID models.ConversationID `json:"conversation_id,omitempty"`
	RecipientID    int64                 `json:"recipient_id,omitempty"`
	GroupID        int64                 `json:"group_id,omitempty"`
	Content        string                `json:"content,omitempty"`
}

type Sessions interface {
	Connect(userID int64, conn session.Conn, meta session.Meta) models.Session
	Disconnect(sessionID, reason string) bool
	Heartbeat(sessionID string) error
}

type Delivery interface {
	Attach(ctx context.Context, sessionID string) (int, error)
	Ack(ctx context.Context, sessionID, messageID string) error
	Signal(ctx context.Context, conv models.ConversationID, fromUserID int64) error
}

type Appender interface {
	Append(ctx context.Context, sub messagelog.Submission) (models.Message, error)
}

type LoginRecorder interface {
	TouchLogin(ctx context.Context, userID int64, at time.Time) error
}

// Handler upgrades authenticated requests and runs the per-connection read loop.
type Handler struct {
	sessions Sessions
	delivery Delivery
	log      Appender
	logins   LoginRecorder
	logger   zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(sessions Sessions, delivery Delivery, log Appender, logins LoginRecorder, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, delivery: delivery, log: log, logins: logins, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle must run behind middleware.AuthMiddleware.
func (h *Handler) Handle(c *gin.Context) {
	userID := c.GetInt64(middleware.UserIDKey)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}

	ctx, span := otel.Tracer("comm-server/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug().Err(err).Int64("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(raw, ConnInfo{
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	})
	s := h.sessions.Connect(userID, conn, session.Meta{Transport: Transport, DeviceID: conn.Info.DeviceID, IP: conn.Info.IP})
	conn.Info.SessionID = s.ID
	logger := h.logger.With().Str("session_id", s.ID).Int64("user_id", userID).Str("request_id", conn.Info.RequestID).Logger()

	if err := h.logins.TouchLogin(ctx, userID, conn.Info.ConnectedAt); err != nil {
		logger.Warn().Err(err).Msg("touch login failed")
	}
	if _, err := h.delivery.Attach(ctx, s.ID); err != nil {
		logger.Error().Err(err).Msg("attach failed")
		h.sessions.Disconnect(s.ID, session.ReasonShutdown)
		return
	}

	go h.readLoop(conn, s.ID, userID, logger)
}

func (h *Handler) readLoop(conn *Conn, sessionID string, userID int64, logger zerolog.Logger) {
	reason := session.ReasonClientClosed
	done := make(chan struct{})
	defer func() {
		close(done)
		h.sessions.Disconnect(sessionID, reason)
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepAlive(conn, done)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read_error"
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := h.sessions.Heartbeat(sessionID); err != nil {
			// removed by the sweeper or a failed push
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.replyError(conn, errors.New("malformed frame"))
			continue
		}
		if err := h.dispatch(conn, sessionID, userID, frame); err != nil {
			logger.Debug().Err(err).Str("frame", frame.Type).Msg("client frame rejected")
			h.replyError(conn, err)
		}
	}
}

func (h *Handler) dispatch(conn *Conn, sessionID string, userID int64, frame ClientFrame) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch frame.Type {
	case FrameHeartbeat:
		return nil
	case FrameAck:
		if frame.MessageID == "" {
			return errors.New("message_id is required")
		}
		return h.delivery.Ack(ctx, sessionID, frame.MessageID)
	case FrameSend:
		msg, err := h.log.Append(ctx, messagelog.Submission{
			SenderID:        userID,
			RecipientID:     frame.RecipientID,
			GroupID:         frame.GroupID,
			Content:         frame.Content,
			OriginSessionID: sessionID,
		})
		if err != nil {
			return err
		}
		payload, err := json.Marshal(models.Frame{Type: models.FrameMessage, Message: &msg})
		if err != nil {
			return err
		}
		return conn.Push(ctx, payload)
	case FrameTyping:
		return h.delivery.Signal(ctx, frame.ConversationID, userID)
	default:
		return errors.New("unknown frame type")
	}
}

func (h *Handler) replyError(conn *Conn, err error) {
	text := err.Error()
	if apperrors.Retryable(err) {
		text = "temporarily unavailable"
	}
	payload, _ := json.Marshal(models.Frame{Type: models.FrameError, Error: text})
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_ = conn.Push(ctx, payload)
}

func keepAlive(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
