package repositories

import (
	"context"
	"errors"
	"time"

	"comm-server/internal/models"
)

// ErrSeqConflict reports that a (conversation, seq) pair is already taken.
var ErrSeqConflict = errors.New("sequence number already assigned")

// DirectoryRepository abstracts user, group and membership persistence.
type DirectoryRepository interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, userID int64) (models.User, error)
	UpdateDisplayName(ctx context.Context, userID int64, displayName string) (models.User, error)
	TouchLogin(ctx context.Context, userID int64, at time.Time) error
	CreateGroup(ctx context.Context, creatorID int64, name, description string, memberIDs []int64) (models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	DeleteGroup(ctx context.Context, groupID int64) error
	AddMember(ctx context.Context, groupID, userID int64) error
	RemoveMember(ctx context.Context, groupID, userID int64) error
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error)
}

// MessageRepository is the durable store behind the message log.
type MessageRepository interface {
	MaxSeq(ctx context.Context, conv models.ConversationID) (int64, error)
	// Insert fails with ErrSeqConflict when the sequence number is taken.
	Insert(ctx context.Context, msg models.Message) error
	ListAfter(ctx context.Context, conv models.ConversationID, afterSeq int64, limit int) ([]models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	// ListUnrouted returns messages created before the cutoff whose fan-out
	// was never confirmed, ordered by conversation and seq. Insert marks every
	// message unrouted in the same write.
	ListUnrouted(ctx context.Context, before time.Time, limit int) ([]models.Message, error)
	MarkRouted(ctx context.Context, msg models.Message) error
}

// BacklogRepository is the durable per-user queue of unacknowledged messages.
type BacklogRepository interface {
	// Push is idempotent per message id.
	Push(ctx context.Context, userID int64, msg models.Message) error
	// List returns entries ordered by sequence within each conversation.
	List(ctx context.Context, userID int64) ([]models.Message, error)
	// Remove is a no-op when the entry is absent.
	Remove(ctx context.Context, userID int64, messageID string) error
	Len(ctx context.Context, userID int64) (int, error)
}

// ReceiptRepository stores per-session delivery receipts.
type ReceiptRepository interface {
	RecordAttempt(ctx context.Context, receipt models.DeliveryReceipt) error
	MarkDelivered(ctx context.Context, messageID, sessionID string, at time.Time) error
	MarkAcked(ctx context.Context, messageID, sessionID string, userID int64, at time.Time) error
	ListForMessage(ctx context.Context, messageID string) ([]models.DeliveryReceipt, error)
}
