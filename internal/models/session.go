package models

import "time"

// Session is a read-only snapshot of one live connection.
type Session struct {
	ID           string                   `json:"id"`
	UserID       int64                    `json:"user_id"`
	Transport    string                   `json:"transport"`
	DeviceID     string                   `json:"device_id,omitempty"`
	ConnectedAt  time.Time                `json:"connected_at"`
	LastActivity time.Time                `json:"last_activity"`
	Cursors      map[ConversationID]int64 `json:"cursors,omitempty"`
}

// PresenceStatus is derived from session activity.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceChange is emitted once per actual status transition.
type PresenceChange struct {
	UserID    int64          `json:"user_id"`
	Previous  PresenceStatus `json:"previous"`
	Status    PresenceStatus `json:"status"`
	ChangedAt time.Time      `json:"changed_at"`
}
