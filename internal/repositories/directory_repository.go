package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// DirectoryRepo is a sqlx implementation of DirectoryRepository.
type DirectoryRepo struct {
	db *sqlx.DB
}

// NewDirectoryRepo constructs a DirectoryRepo.
func NewDirectoryRepo(db *sqlx.DB) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

const userColumns = `id, username, email, display_name, created_at, last_login_at`
const groupColumns = `id, name, description, created_by_id, created_at, deleted_at`

// CreateUser inserts a user; duplicate usernames are a conflict.
func (r *DirectoryRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	var created models.User
	err := r.db.QueryRowxContext(ctx, `INSERT INTO users (username, email, display_name) VALUES ($1, $2, $3) RETURNING `+userColumns,
		user.Username, user.Email, user.DisplayName).StructScan(&created)
	if err != nil {
		if pqCode(err) == pgUniqueViolation {
			return models.User{}, apperrors.Conflict("username %q already taken", user.Username)
		}
		return models.User{}, apperrors.Unavailable("create user", err)
	}
	return created, nil
}

// GetUser fetches a user by id.
func (r *DirectoryRepo) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperrors.NotFound("user %d", userID)
	}
	if err != nil {
		return models.User{}, apperrors.Unavailable("get user", err)
	}
	return user, nil
}

// UpdateDisplayName changes the mutable profile field.
func (r *DirectoryRepo) UpdateDisplayName(ctx context.Context, userID int64, displayName string) (models.User, error) {
	var user models.User
	err := r.db.QueryRowxContext(ctx, `UPDATE users SET display_name=$2 WHERE id=$1 RETURNING `+userColumns, userID, displayName).StructScan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperrors.NotFound("user %d", userID)
	}
	if err != nil {
		return models.User{}, apperrors.Unavailable("update user", err)
	}
	return user, nil
}

// TouchLogin records the latest connect time.
func (r *DirectoryRepo) TouchLogin(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at=$2 WHERE id=$1`, userID, at)
	return apperrors.Unavailable("touch login", err)
}

// CreateGroup creates a group and its members atomically. The creator is always a member.
func (r *DirectoryRepo) CreateGroup(ctx context.Context, creatorID int64, name, description string, memberIDs []int64) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, apperrors.Unavailable("begin create group", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var group models.Group
	if err = tx.QueryRowxContext(ctx, `INSERT INTO groups (name, description, created_by_id) VALUES ($1, $2, $3) RETURNING `+groupColumns,
		name, description, creatorID).StructScan(&group); err != nil {
		if pqCode(err) == pgForeignKeyViolation {
			return models.Group{}, apperrors.NotFound("user %d", creatorID)
		}
		return models.Group{}, apperrors.Unavailable("create group", err)
	}

	for _, id := range dedupeMembers(creatorID, memberIDs) {
		if _, err = tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`, group.ID, id); err != nil {
			if pqCode(err) == pgForeignKeyViolation {
				return models.Group{}, apperrors.NotFound("user %d", id)
			}
			return models.Group{}, apperrors.Unavailable("add group member", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, apperrors.Unavailable("commit create group", err)
	}
	return group, nil
}

// GetGroup fetches a single group, including deleted ones.
func (r *DirectoryRepo) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, apperrors.NotFound("group %d", groupID)
	}
	if err != nil {
		return models.Group{}, apperrors.Unavailable("get group", err)
	}
	return group, nil
}

// DeleteGroup ends the group lifecycle and drops its memberships.
func (r *DirectoryRepo) DeleteGroup(ctx context.Context, groupID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Unavailable("begin delete group", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE groups SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, groupID)
	if err != nil {
		return apperrors.Unavailable("delete group", err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return apperrors.NotFound("group %d", groupID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1`, groupID); err != nil {
		return apperrors.Unavailable("delete group members", err)
	}
	return apperrors.Unavailable("commit delete group", tx.Commit())
}

// AddMember creates a membership in a live group; a duplicate pair is a conflict.
func (r *DirectoryRepo) AddMember(ctx context.Context, groupID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id)
        SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM groups WHERE id=$1 AND deleted_at IS NULL)`, groupID, userID)
	if err == nil {
		if count, _ := res.RowsAffected(); count == 0 {
			return apperrors.NotFound("group %d", groupID)
		}
		return nil
	}
	switch pqCode(err) {
	case pgUniqueViolation:
		return apperrors.Conflict("user %d already in group %d", userID, groupID)
	case pgForeignKeyViolation:
		return apperrors.NotFound("group %d or user %d", groupID, userID)
	default:
		return apperrors.Unavailable("add member", err)
	}
}

// RemoveMember deletes a membership.
func (r *DirectoryRepo) RemoveMember(ctx context.Context, groupID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if err != nil {
		return apperrors.Unavailable("remove member", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return apperrors.Unavailable("remove member", err)
	}
	if count == 0 {
		return apperrors.NotFound("user %d in group %d", userID, groupID)
	}
	return nil
}

// IsMember checks membership.
func (r *DirectoryRepo) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)`, groupID, userID)
	if err != nil {
		return false, apperrors.Unavailable("is member", err)
	}
	return exists, nil
}

// MembersOf lists member ids in ascending order.
func (r *DirectoryRepo) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM group_members WHERE group_id=$1 ORDER BY user_id`, groupID); err != nil {
		return nil, apperrors.Unavailable("members of", err)
	}
	return ids, nil
}

// ListGroupsForUser returns live groups that include the user.
func (r *DirectoryRepo) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.SelectContext(ctx, &groups, `SELECT g.id, g.name, g.description, g.created_by_id, g.created_at, g.deleted_at
        FROM groups g INNER JOIN group_members gm ON gm.group_id = g.id
        WHERE gm.user_id=$1 AND g.deleted_at IS NULL ORDER BY g.created_at DESC`, userID)
	if err != nil {
		return nil, apperrors.Unavailable("list groups", err)
	}
	return groups, nil
}

// dedupeMembers ensures the creator is present and returns sorted unique ids.
func dedupeMembers(creatorID int64, memberIDs []int64) []int64 {
	memberSet := map[int64]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		memberSet[id] = struct{}{}
	}
	ids := make([]int64, 0, len(memberSet))
	for id := range memberSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	if err != nil {
		return fmt.Sprintf("unknown:%T", err)
	}
	return ""
}
