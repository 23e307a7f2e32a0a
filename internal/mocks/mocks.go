package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"comm-server/internal/messagelog"
	"comm-server/internal/models"
)

// DirectoryMock covers the user and group stores.
type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	args := m.Called(ctx, user)
	var created models.User
	if val := args.Get(0); val != nil {
		created = val.(models.User)
	}
	return created, args.Error(1)
}

func (m *DirectoryMock) GetUser(ctx context.Context, userID int64) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *DirectoryMock) UpdateDisplayName(ctx context.Context, userID int64, displayName string) (models.User, error) {
	args := m.Called(ctx, userID, displayName)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *DirectoryMock) TouchLogin(ctx context.Context, userID int64, at time.Time) error {
	args := m.Called(ctx, userID, at)
	return args.Error(0)
}

func (m *DirectoryMock) CreateGroup(ctx context.Context, creatorID int64, name, description string, memberIDs []int64) (models.Group, error) {
	args := m.Called(ctx, creatorID, name, description, memberIDs)
	var group models.Group
	if val := args.Get(0); val != nil {
		group = val.(models.Group)
	}
	return group, args.Error(1)
}

func (m *DirectoryMock) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	args := m.Called(ctx, groupID)
	var group models.Group
	if val := args.Get(0); val != nil {
		group = val.(models.Group)
	}
	return group, args.Error(1)
}

func (m *DirectoryMock) DeleteGroup(ctx context.Context, groupID int64) error {
	args := m.Called(ctx, groupID)
	return args.Error(0)
}

func (m *DirectoryMock) AddMember(ctx context.Context, groupID, userID int64) error {
	args := m.Called(ctx, groupID, userID)
	return args.Error(0)
}

func (m *DirectoryMock) RemoveMember(ctx context.Context, groupID, userID int64) error {
	args := m.Called(ctx, groupID, userID)
	return args.Error(0)
}

func (m *DirectoryMock) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	args := m.Called(ctx, userID, groupID)
	return args.Bool(0), args.Error(1)
}

func (m *DirectoryMock) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	args := m.Called(ctx, groupID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *DirectoryMock) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	args := m.Called(ctx, userID)
	var groups []models.Group
	if val := args.Get(0); val != nil {
		groups = val.([]models.Group)
	}
	return groups, args.Error(1)
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) Status(userID int64) models.PresenceStatus {
	args := m.Called(userID)
	return args.Get(0).(models.PresenceStatus)
}

type MessageLogMock struct {
	mock.Mock
}

func (m *MessageLogMock) Append(ctx context.Context, sub messagelog.Submission) (models.Message, error) {
	args := m.Called(ctx, sub)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageLogMock) ReadRange(ctx context.Context, conv models.ConversationID, fromSeq int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conv, fromSeq, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageLogMock) Get(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageLogMock) CanRead(ctx context.Context, userID int64, conv models.ConversationID) error {
	args := m.Called(ctx, userID, conv)
	return args.Error(0)
}

func (m *MessageLogMock) Recover(ctx context.Context, conv models.ConversationID) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *MessageLogMock) Halted(conv models.ConversationID) bool {
	args := m.Called(conv)
	return args.Bool(0)
}

// DeliveryMock stands in for the delivery router.
type DeliveryMock struct {
	mock.Mock
}

func (m *DeliveryMock) Attach(ctx context.Context, sessionID string) (int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *DeliveryMock) Ack(ctx context.Context, sessionID, messageID string) error {
	args := m.Called(ctx, sessionID, messageID)
	return args.Error(0)
}

func (m *DeliveryMock) Signal(ctx context.Context, conv models.ConversationID, fromUserID int64) error {
	args := m.Called(ctx, conv, fromUserID)
	return args.Error(0)
}

func (m *DeliveryMock) Receipts(ctx context.Context, messageID string) ([]models.DeliveryReceipt, error) {
	args := m.Called(ctx, messageID)
	var receipts []models.DeliveryReceipt
	if val := args.Get(0); val != nil {
		receipts = val.([]models.DeliveryReceipt)
	}
	return receipts, args.Error(1)
}

func (m *DeliveryMock) Pending(sessionID string) (int, int, bool) {
	args := m.Called(sessionID)
	return args.Int(0), args.Int(1), args.Bool(2)
}
