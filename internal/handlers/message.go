package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"comm-server/internal/apperrors"
	"comm-server/internal/messagelog"
	"comm-server/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// SessionHeader names the sending session so it is skipped during fan-out.
	SessionHeader = "X-Session-ID"
)

type MessageLog interface {
	Append(ctx context.Context, sub messagelog.Submission) (models.Message, error)
	ReadRange(ctx context.Context, conv models.ConversationID, fromSeq int64, limit int) ([]models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	CanRead(ctx context.Context, userID int64, conv models.ConversationID) error
}

type MessageDelivery interface {
	Receipts(ctx context.Context, messageID string) ([]models.DeliveryReceipt, error)
	Signal(ctx context.Context, conv models.ConversationID, fromUserID int64) error
}

// MessageHandler accepts messages and serves conversation history.
type MessageHandler struct {
	log      MessageLog
	delivery MessageDelivery
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(log MessageLog, delivery MessageDelivery) *MessageHandler {
	return &MessageHandler{log: log, delivery: delivery}
}

// PostMessage handles POST /messages.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req struct {
		RecipientID int64  `json:"recipient_id" binding:"omitempty,gt=0"`
		GroupID     int64  `json:"group_id" binding:"omitempty,gt=0"`
		Content     string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.log.Append(c.Request.Context(), messagelog.Submission{
		SenderID:        currentUser(c),
		RecipientID:     req.RecipientID,
		GroupID:         req.GroupID,
		Content:         req.Content,
		OriginSessionID: c.GetHeader(SessionHeader),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListConversation handles GET /conversations/:conversation_id/messages.
func (h *MessageHandler) ListConversation(c *gin.Context) {
	conv := models.ConversationID(c.Param("conversation_id"))
	var query struct {
		After int64 `form:"after" binding:"gte=0"`
		Limit int   `form:"limit" binding:"gte=0,lte=200"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultPageSize
	}

	if err := h.log.CanRead(c.Request.Context(), currentUser(c), conv); err != nil {
		respondError(c, err)
		return
	}
	msgs, err := h.log.ReadRange(c.Request.Context(), conv, query.After, min(query.Limit, maxPageSize))
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv, "messages": msgs})
}

// ListReceipts handles GET /messages/:message_id/receipts. Only the sender
// sees per-session receipts.
func (h *MessageHandler) ListReceipts(c *gin.Context) {
	msg, err := h.log.Get(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if msg.SenderID != currentUser(c) {
		respondError(c, apperrors.Forbidden("receipts are visible to the sender only"))
		return
	}
	receipts, err := h.delivery.Receipts(c.Request.Context(), msg.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if receipts == nil {
		receipts = []models.DeliveryReceipt{}
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID, "receipts": receipts})
}

// Typing handles POST /conversations/:conversation_id/typing.
func (h *MessageHandler) Typing(c *gin.Context) {
	conv := models.ConversationID(c.Param("conversation_id"))
	if err := h.delivery.Signal(c.Request.Context(), conv, currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
