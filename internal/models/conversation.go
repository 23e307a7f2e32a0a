package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ConversationID addresses a message stream: "dm:<low>:<high>" or "group:<id>".
type ConversationID string

const (
	directPrefix = "dm:"
	groupPrefix  = "group:"
)

// DirectConversation returns the canonical id for a user pair regardless of who initiates.
func DirectConversation(a, b int64) ConversationID {
	if a > b {
		a, b = b, a
	}
	return ConversationID(fmt.Sprintf("%s%d:%d", directPrefix, a, b))
}

// GroupConversation returns the id of a group's stream.
func GroupConversation(groupID int64) ConversationID {
	return ConversationID(fmt.Sprintf("%s%d", groupPrefix, groupID))
}

// ConversationRef is the parsed form of a ConversationID.
type ConversationRef struct {
	ID      ConversationID
	UserA   int64
	UserB   int64
	GroupID int64
}

// IsGroup reports whether the conversation belongs to a group.
func (r ConversationRef) IsGroup() bool {
	return r.GroupID != 0
}

// Includes reports whether userID is one side of a direct conversation.
func (r ConversationRef) Includes(userID int64) bool {
	return !r.IsGroup() && (r.UserA == userID || r.UserB == userID)
}

// ParseConversation validates and splits a conversation id.
func ParseConversation(raw string) (ConversationRef, error) {
	switch {
	case strings.HasPrefix(raw, directPrefix):
		parts := strings.Split(strings.TrimPrefix(raw, directPrefix), ":")
		if len(parts) != 2 {
			return ConversationRef{}, fmt.Errorf("invalid direct conversation %q", raw)
		}
		a, errA := strconv.ParseInt(parts[0], 10, 64)
		b, errB := strconv.ParseInt(parts[1], 10, 64)
		if errA != nil || errB != nil || a <= 0 || b <= 0 || a >= b {
			return ConversationRef{}, fmt.Errorf("invalid direct conversation %q", raw)
		}
		return ConversationRef{ID: ConversationID(raw), UserA: a, UserB: b}, nil
	case strings.HasPrefix(raw, groupPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(raw, groupPrefix), 10, 64)
		if err != nil || id <= 0 {
			return ConversationRef{}, fmt.Errorf("invalid group conversation %q", raw)
		}
		return ConversationRef{ID: ConversationID(raw), GroupID: id}, nil
	default:
		return ConversationRef{}, fmt.Errorf("unknown conversation kind %q", raw)
	}
}
