package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
)

// MessageRepo is a sqlx-backed message log store.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, seq, sender_id, COALESCE(recipient_id, 0) AS recipient_id, COALESCE(group_id, 0) AS group_id, content, created_at`

// MaxSeq returns the highest committed sequence number, zero for an empty conversation.
func (r *MessageRepo) MaxSeq(ctx context.Context, conv models.ConversationID) (int64, error) {
	var max int64
	if err := r.db.GetContext(ctx, &max, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id=$1`, conv); err != nil {
		return 0, apperrors.Unavailable("max seq", err)
	}
	return max, nil
}

// Insert stores a message. The (conversation_id, seq) unique key rejects reuse.
func (r *MessageRepo) Insert(ctx context.Context, msg models.Message) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, seq, sender_id, recipient_id, group_id, content, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, nullableID(msg.RecipientID), nullableID(msg.GroupID), msg.Content, msg.CreatedAt)
	if err == nil {
		return nil
	}
	switch pqCode(err) {
	case pgUniqueViolation:
		return ErrSeqConflict
	case pgCheckViolation:
		return apperrors.Conflict("message %s must target exactly one of recipient or group", msg.ID)
	case pgForeignKeyViolation:
		return apperrors.NotFound("message %s references an unknown user or group", msg.ID)
	default:
		return apperrors.Unavailable("insert message", err)
	}
}

// ListAfter returns up to limit messages with seq > afterSeq in ascending order.
func (r *MessageRepo) ListAfter(ctx context.Context, conv models.ConversationID, afterSeq int64, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND seq > $2
        ORDER BY seq ASC
        LIMIT $3`, conv, afterSeq, limit)
	if err != nil {
		return nil, apperrors.Unavailable("list messages", err)
	}
	return msgs, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperrors.NotFound("message %s", messageID)
	}
	if err != nil {
		return models.Message{}, apperrors.Unavailable("get message", err)
	}
	return msg, nil
}

// ListUnrouted returns committed messages not yet handed to delivery.
func (r *MessageRepo) ListUnrouted(ctx context.Context, before time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE NOT routed AND created_at < $1
        ORDER BY conversation_id, seq
        LIMIT $2`, before, limit)
	if err != nil {
		return nil, apperrors.Unavailable("list unrouted messages", err)
	}
	return msgs, nil
}

// MarkRouted flags msg as handed to delivery.
func (r *MessageRepo) MarkRouted(ctx context.Context, msg models.Message) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE messages SET routed=TRUE WHERE id=$1`, msg.ID); err != nil {
		return apperrors.Unavailable("mark routed", err)
	}
	return nil
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// ReceiptRepo is a sqlx-backed ReceiptRepository.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// RecordAttempt creates the receipt on first push and bumps attempts afterwards.
func (r *ReceiptRepo) RecordAttempt(ctx context.Context, receipt models.DeliveryReceipt) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO delivery_receipts (message_id, session_id, user_id, attempts, attempted_at)
        VALUES ($1, $2, $3, 1, $4)
        ON CONFLICT (message_id, session_id) DO UPDATE SET attempts = delivery_receipts.attempts + 1, attempted_at = EXCLUDED.attempted_at`,
		receipt.MessageID, receipt.SessionID, receipt.UserID, receipt.AttemptedAt)
	return apperrors.Unavailable("record attempt", err)
}

// MarkDelivered stamps the first successful write to the connection.
func (r *ReceiptRepo) MarkDelivered(ctx context.Context, messageID, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE delivery_receipts SET delivered_at = COALESCE(delivered_at, $3)
        WHERE message_id=$1 AND session_id=$2`, messageID, sessionID, at)
	return apperrors.Unavailable("mark delivered", err)
}

// MarkAcked stamps the acknowledgment. Acks for messages that were never pushed
// to this session (backlog pulls) create the receipt.
func (r *ReceiptRepo) MarkAcked(ctx context.Context, messageID, sessionID string, userID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO delivery_receipts (message_id, session_id, user_id, attempts, attempted_at, delivered_at, acked_at)
        VALUES ($1, $2, $3, 0, $4, $4, $4)
        ON CONFLICT (message_id, session_id) DO UPDATE SET acked_at = COALESCE(delivery_receipts.acked_at, EXCLUDED.acked_at),
            delivered_at = COALESCE(delivery_receipts.delivered_at, EXCLUDED.delivered_at)`,
		messageID, sessionID, userID, at)
	return apperrors.Unavailable("mark acked", err)
}

// ListForMessage returns all receipts of a message.
func (r *ReceiptRepo) ListForMessage(ctx context.Context, messageID string) ([]models.DeliveryReceipt, error) {
	var receipts []models.DeliveryReceipt
	err := r.db.SelectContext(ctx, &receipts, `SELECT message_id, session_id, user_id, attempts, attempted_at, delivered_at, acked_at
        FROM delivery_receipts WHERE message_id=$1 ORDER BY attempted_at ASC`, messageID)
	if err != nil {
		return nil, apperrors.Unavailable("list receipts", err)
	}
	return receipts, nil
}
