// Package messagelog is the append-only, per-conversation ordered message log.
package messagelog

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/repositories"
	"comm-server/internal/sequencer"
)

var tracer = otel.Tracer("comm-server/messagelog")

// Submission is a message as sent by a client. Exactly one of RecipientID and
// GroupID must be set.
type Submission struct {
	SenderID    int64  `json:"-"`
	RecipientID int64  `json:"recipient_id"`
	GroupID     int64  `json:"group_id"`
	Content     string `json:"content"`

	// OriginSessionID is the session that submitted the message, if any.
	OriginSessionID string `json:"-"`
}

// Directory is what the log needs to authorize a submission.
type Directory interface {
	GetUser(ctx context.Context, userID int64) (models.User, error)
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
}

// CommitHook observes every committed message. Hooks run while the
// conversation is locked, so they see messages in sequence order, and they
// must not block.
type CommitHook func(msg models.Message, originSessionID string)

// Log validates submissions, assigns sequence numbers and persists messages.
type Log struct {
	store      repositories.MessageRepository
	directory  Directory
	seq        *sequencer.Sequencer
	maxContent int
	now        func() time.Time
	logger     zerolog.Logger
	hooks      []CommitHook
}

// New builds a Log. maxContent bounds message length in bytes.
func New(store repositories.MessageRepository, directory Directory, maxContent int, logger zerolog.Logger) *Log {
	return &Log{
		store:      store,
		directory:  directory,
		seq:        sequencer.New(store, logger),
		maxContent: maxContent,
		now:        time.Now,
		logger:     logger,
	}
}

// OnCommit registers a hook. Not safe to call concurrently with Append.
func (l *Log) OnCommit(hook CommitHook) {
	l.hooks = append(l.hooks, hook)
}

// Append validates and commits a message. Delivery problems never fail it.
func (l *Log) Append(ctx context.Context, sub Submission) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "messagelog.append")
	defer span.End()
	start := time.Now()

	conv, err := l.authorize(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Message{}, err
	}
	span.SetAttributes(attribute.String("conversation_id", string(conv)))

	msg := models.Message{
		ID:             ulid.Make().String(),
		ConversationID: conv,
		SenderID:       sub.SenderID,
		RecipientID:    sub.RecipientID,
		GroupID:        sub.GroupID,
		Content:        sub.Content,
	}
	_, err = l.seq.Next(ctx, conv, func(seq int64) error {
		msg.Seq = seq
		msg.CreatedAt = l.now().UTC()
		if err := l.store.Insert(ctx, msg); err != nil {
			return err
		}
		for _, hook := range l.hooks {
			hook(msg, sub.OriginSessionID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn().Err(err).Str("conversation", string(conv)).Int64("sender_id", sub.SenderID).Msg("append failed")
		return models.Message{}, err
	}

	kind := "direct"
	if msg.GroupID != 0 {
		kind = "group"
	}
	observability.IncMessageAppended(kind)
	observability.ObserveAppend(time.Since(start))
	span.SetAttributes(attribute.Int64("seq", msg.Seq))
	return msg, nil
}

// authorize enforces the submission rules and resolves the conversation.
func (l *Log) authorize(ctx context.Context, sub Submission) (models.ConversationID, error) {
	if (sub.RecipientID == 0) == (sub.GroupID == 0) {
		return "", apperrors.Conflict("message must target exactly one of recipient or group")
	}
	if strings.TrimSpace(sub.Content) == "" {
		return "", apperrors.Conflict("message content is empty")
	}
	if len(sub.Content) > l.maxContent {
		return "", apperrors.Conflict("message content exceeds %d bytes", l.maxContent)
	}

	if sub.RecipientID != 0 {
		if sub.RecipientID == sub.SenderID {
			return "", apperrors.Conflict("cannot message yourself")
		}
		if _, err := l.directory.GetUser(ctx, sub.RecipientID); err != nil {
			return "", err
		}
		return models.DirectConversation(sub.SenderID, sub.RecipientID), nil
	}

	group, err := l.directory.GetGroup(ctx, sub.GroupID)
	if err != nil {
		return "", err
	}
	if group.Deleted() {
		return "", apperrors.NotFound("group %d", sub.GroupID)
	}
	member, err := l.directory.IsMember(ctx, sub.SenderID, sub.GroupID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", apperrors.Forbidden("user %d is not a member of group %d", sub.SenderID, sub.GroupID)
	}
	return models.GroupConversation(sub.GroupID), nil
}

// ReadRange returns up to limit messages with seq greater than fromSeq.
func (l *Log) ReadRange(ctx context.Context, conv models.ConversationID, fromSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	return l.store.ListAfter(ctx, conv, fromSeq, limit)
}

// Get returns one message by id.
func (l *Log) Get(ctx context.Context, messageID string) (models.Message, error) {
	return l.store.Get(ctx, messageID)
}

// Unrouted returns committed messages created before the cutoff that delivery
// never confirmed, ordered by conversation and seq.
func (l *Log) Unrouted(ctx context.Context, before time.Time, limit int) ([]models.Message, error) {
	return l.store.ListUnrouted(ctx, before, limit)
}

// MarkRouted records that delivery took over msg.
func (l *Log) MarkRouted(ctx context.Context, msg models.Message) error {
	return l.store.MarkRouted(ctx, msg)
}

// Recover lifts the halt placed on a conversation after a sequence collision.
func (l *Log) Recover(ctx context.Context, conv models.ConversationID) error {
	return l.seq.Recover(ctx, conv)
}

// Halted reports whether conv is refusing appends.
func (l *Log) Halted(conv models.ConversationID) bool {
	return l.seq.Halted(conv)
}

// CanRead reports whether userID may read conv: a participant of a direct
// conversation or a current member of the group.
func (l *Log) CanRead(ctx context.Context, userID int64, conv models.ConversationID) error {
	ref, err := models.ParseConversation(string(conv))
	if err != nil {
		return apperrors.NotFound("conversation %s", conv)
	}
	if !ref.IsGroup() {
		if !ref.Includes(userID) {
			return apperrors.Forbidden("not a participant of %s", conv)
		}
		return nil
	}
	member, err := l.directory.IsMember(ctx, userID, ref.GroupID)
	if err != nil {
		return err
	}
	if !member {
		return apperrors.Forbidden("not a member of group %d", ref.GroupID)
	}
	return nil
}
