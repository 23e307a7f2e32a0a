package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
)

// RedisBacklog keeps each user's undelivered messages in Redis:
//
//	backlog:{user}        ZSET of message ids scored by arrival
//	backlog:{user}:msgs   HASH message id -> JSON message
//	backlog:{user}:seq    arrival counter
type RedisBacklog struct {
	client *redis.Client
}

// NewRedisBacklog connects to redisURL and verifies the connection.
func NewRedisBacklog(ctx context.Context, redisURL string) (*RedisBacklog, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Unavailable("redis ping", err)
	}
	return &RedisBacklog{client: client}, nil
}

// NewRedisBacklogWithClient wraps an existing client.
func NewRedisBacklogWithClient(client *redis.Client) *RedisBacklog {
	return &RedisBacklog{client: client}
}

// Close closes the Redis connection.
func (b *RedisBacklog) Close() error {
	return b.client.Close()
}

func backlogSetKey(userID int64) string   { return fmt.Sprintf("backlog:%d", userID) }
func backlogHashKey(userID int64) string  { return fmt.Sprintf("backlog:%d:msgs", userID) }
func backlogCountKey(userID int64) string { return fmt.Sprintf("backlog:%d:seq", userID) }

// Push appends msg once; repeated pushes keep the original position.
func (b *RedisBacklog) Push(ctx context.Context, userID int64, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	score, err := b.client.Incr(ctx, backlogCountKey(userID)).Result()
	if err != nil {
		return apperrors.Unavailable("backlog push", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, backlogSetKey(userID), redis.Z{Score: float64(score), Member: msg.ID})
		pipe.HSetNX(ctx, backlogHashKey(userID), msg.ID, data)
		return nil
	})
	return apperrors.Unavailable("backlog push", err)
}

// List returns entries in arrival order, which preserves per-conversation
// sequence order.
func (b *RedisBacklog) List(ctx context.Context, userID int64) ([]models.Message, error) {
	ids, err := b.client.ZRange(ctx, backlogSetKey(userID), 0, -1).Result()
	if err != nil {
		return nil, apperrors.Unavailable("backlog list", err)
	}
	msgs := make([]models.Message, 0, len(ids))
	if len(ids) == 0 {
		return msgs, nil
	}
	values, err := b.client.HMGet(ctx, backlogHashKey(userID), ids...).Result()
	if err != nil {
		return nil, apperrors.Unavailable("backlog list", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode backlog entry: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Remove drops an entry; absent entries are ignored.
func (b *RedisBacklog) Remove(ctx context.Context, userID int64, messageID string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, backlogSetKey(userID), messageID)
		pipe.HDel(ctx, backlogHashKey(userID), messageID)
		return nil
	})
	return apperrors.Unavailable("backlog remove", err)
}

// Len returns the number of queued entries.
func (b *RedisBacklog) Len(ctx context.Context, userID int64) (int, error) {
	n, err := b.client.ZCard(ctx, backlogSetKey(userID)).Result()
	if err != nil {
		return 0, apperrors.Unavailable("backlog len", err)
	}
	return int(n), nil
}
