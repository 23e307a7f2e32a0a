package models

import "time"

// Group represents a chat group.
type Group struct {
	ID          int64      `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description,omitempty"`
	CreatedByID int64      `db:"created_by_id" json:"created_by_id"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the group reached the end of its lifecycle.
func (g Group) Deleted() bool {
	return g.DeletedAt != nil
}

// Membership links a user to a group. Created on join, removed on leave.
type Membership struct {
	GroupID  int64     `db:"group_id" json:"group_id"`
	UserID   int64     `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}
