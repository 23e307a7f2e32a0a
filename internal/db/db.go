package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Connect opens the Postgres connection and applies the schema.
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) NOT NULL UNIQUE,
            email VARCHAR(100) NOT NULL DEFAULT '',
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_login_at TIMESTAMPTZ
        );`,
	`CREATE TABLE IF NOT EXISTS groups (
            id BIGSERIAL PRIMARY KEY,
            name VARCHAR(100) NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            created_by_id BIGINT NOT NULL REFERENCES users(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            deleted_at TIMESTAMPTZ
        );`,
	`CREATE TABLE IF NOT EXISTS group_members (
            group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (group_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            seq BIGINT NOT NULL,
            sender_id BIGINT NOT NULL REFERENCES users(id),
            recipient_id BIGINT REFERENCES users(id),
            group_id BIGINT REFERENCES groups(id),
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            routed BOOLEAN NOT NULL DEFAULT FALSE,
            UNIQUE (conversation_id, seq),
            CONSTRAINT chk_message_target CHECK ((recipient_id IS NULL) <> (group_id IS NULL))
        );`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS routed BOOLEAN NOT NULL DEFAULT FALSE;`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unrouted ON messages(created_at) WHERE NOT routed;`,
	`CREATE TABLE IF NOT EXISTS delivery_receipts (
            message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            session_id TEXT NOT NULL,
            user_id BIGINT NOT NULL,
            attempts INT NOT NULL DEFAULT 0,
            attempted_at TIMESTAMPTZ NOT NULL,
            delivered_at TIMESTAMPTZ,
            acked_at TIMESTAMPTZ,
            PRIMARY KEY (message_id, session_id)
        );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
