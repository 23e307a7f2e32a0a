package models

import "time"

// User is an account known to the directory. ID never changes once created.
type User struct {
	ID          int64      `db:"id" json:"id"`
	Username    string     `db:"username" json:"username"`
	Email       string     `db:"email" json:"email,omitempty"`
	DisplayName string     `db:"display_name" json:"display_name"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	LastLoginAt *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}
