package models

import "time"

// Message is immutable once appended to the log. Exactly one of RecipientID
// and GroupID is non-zero.
type Message struct {
	ID             string         `db:"id" json:"id"`
	ConversationID ConversationID `db:"conversation_id" json:"conversation_id"`
	Seq            int64          `db:"seq" json:"seq"`
	SenderID       int64          `db:"sender_id" json:"sender_id"`
	RecipientID    int64          `db:"recipient_id" json:"recipient_id,omitempty"`
	GroupID        int64          `db:"group_id" json:"group_id,omitempty"`
	Content        string         `db:"content" json:"content"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// DeliveryReceipt tracks one push of a message to one session.
type DeliveryReceipt struct {
	MessageID   string     `db:"message_id" json:"message_id"`
	SessionID   string     `db:"session_id" json:"session_id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	Attempts    int        `db:"attempts" json:"attempts"`
	AttemptedAt time.Time  `db:"attempted_at" json:"attempted_at"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	AckedAt     *time.Time `db:"acked_at" json:"acked_at,omitempty"`
}

// Frame types sent to clients.
const (
	FrameMessage  = "message"
	FramePresence = "presence"
	FrameTyping   = "typing"
	FrameError    = "error"
)

// Frame is the envelope pushed over any transport.
type Frame struct {
	Type           string          `json:"type"`
	Message        *Message        `json:"message,omitempty"`
	Presence       *PresenceChange `json:"presence,omitempty"`
	ConversationID ConversationID  `json:"conversation_id,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}
