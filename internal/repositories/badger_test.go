package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerDirectoryUsersAndGroups(t *testing.T) {
	ctx := context.Background()
	repo, err := NewBadgerDirectoryRepo(openTestBadger(t))
	require.NoError(t, err)
	defer repo.Close()

	alice, err := repo.CreateUser(ctx, models.User{Username: "alice"})
	require.NoError(t, err)
	bob, err := repo.CreateUser(ctx, models.User{Username: "bob"})
	require.NoError(t, err)
	assert.Positive(t, alice.ID)
	assert.NotEqual(t, alice.ID, bob.ID)

	_, err = repo.CreateUser(ctx, models.User{Username: "alice"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	updated, err := repo.UpdateDisplayName(ctx, alice.ID, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.DisplayName)

	_, err = repo.GetUser(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	group, err := repo.CreateGroup(ctx, alice.ID, "team", "", []int64{bob.ID, bob.ID})
	require.NoError(t, err)
	members, err := repo.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID, bob.ID}, members)

	_, err = repo.CreateGroup(ctx, alice.ID, "ghosts", "", []int64{404})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.ErrorIs(t, repo.AddMember(ctx, group.ID, bob.ID), apperrors.ErrConflict)
	require.NoError(t, repo.RemoveMember(ctx, group.ID, bob.ID))
	assert.ErrorIs(t, repo.RemoveMember(ctx, group.ID, bob.ID), apperrors.ErrNotFound)

	member, err := repo.IsMember(ctx, bob.ID, group.ID)
	require.NoError(t, err)
	assert.False(t, member)

	groups, err := repo.ListGroupsForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	require.NoError(t, repo.DeleteGroup(ctx, group.ID))
	deleted, err := repo.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())
	assert.ErrorIs(t, repo.AddMember(ctx, group.ID, bob.ID), apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteGroup(ctx, group.ID), apperrors.ErrNotFound)

	groups, err = repo.ListGroupsForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func testMessage(conv models.ConversationID, seq int64, id string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		Seq:            seq,
		SenderID:       1,
		RecipientID:    2,
		Content:        "hi",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestBadgerMessageRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerMessageRepo(openTestBadger(t))
	conv := models.DirectConversation(1, 2)

	max, err := repo.MaxSeq(ctx, conv)
	require.NoError(t, err)
	assert.Zero(t, max)

	for seq := int64(1); seq <= 12; seq++ {
		require.NoError(t, repo.Insert(ctx, testMessage(conv, seq, "m"+padID(seq))))
	}
	// a neighbouring conversation must not leak into the scan
	require.NoError(t, repo.Insert(ctx, testMessage(models.DirectConversation(1, 23), 40, "other")))

	max, err = repo.MaxSeq(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, int64(12), max)

	assert.ErrorIs(t, repo.Insert(ctx, testMessage(conv, 5, "dup")), ErrSeqConflict)

	bad := testMessage(conv, 13, "bad")
	bad.GroupID = 7
	assert.ErrorIs(t, repo.Insert(ctx, bad), apperrors.ErrConflict)

	page, err := repo.ListAfter(ctx, conv, 10, 5)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(11), page[0].Seq)
	assert.Equal(t, int64(12), page[1].Seq)

	got, err := repo.Get(ctx, "m"+padID(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Seq)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBadgerMessageRepoTracksUnrouted(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerMessageRepo(openTestBadger(t))
	dm, other := models.DirectConversation(1, 2), models.DirectConversation(1, 3)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, repo.Insert(ctx, testMessage(dm, seq, "dm"+padID(seq))))
	}
	require.NoError(t, repo.Insert(ctx, testMessage(other, 1, "other")))

	later := time.Now().Add(time.Second)
	pending, err := repo.ListUnrouted(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.Equal(t, []int64{1, 2, 3}, []int64{pending[0].Seq, pending[1].Seq, pending[2].Seq})

	require.NoError(t, repo.MarkRouted(ctx, pending[0]))
	require.NoError(t, repo.MarkRouted(ctx, pending[3]))
	require.NoError(t, repo.MarkRouted(ctx, pending[3]))

	pending, err = repo.ListUnrouted(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "dm"+padID(2), pending[0].ID)

	pending, err = repo.ListUnrouted(ctx, later, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = repo.ListUnrouted(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBadgerBacklog(t *testing.T) {
	ctx := context.Background()
	backlog := NewBadgerBacklog(openTestBadger(t))
	conv := models.DirectConversation(1, 2)

	require.NoError(t, backlog.Push(ctx, 2, testMessage(conv, 2, "b")))
	require.NoError(t, backlog.Push(ctx, 2, testMessage(conv, 1, "a")))
	require.NoError(t, backlog.Push(ctx, 2, testMessage(conv, 1, "a")))

	n, err := backlog.Len(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := backlog.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)

	require.NoError(t, backlog.Remove(ctx, 2, "a"))
	require.NoError(t, backlog.Remove(ctx, 2, "a"))
	n, err = backlog.Len(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = backlog.Len(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBadgerReceipts(t *testing.T) {
	ctx := context.Background()
	repo := NewBadgerReceiptRepo(openTestBadger(t))
	at := time.Now().UTC()

	require.NoError(t, repo.RecordAttempt(ctx, models.DeliveryReceipt{MessageID: "m1", SessionID: "s1", UserID: 2, AttemptedAt: at}))
	require.NoError(t, repo.RecordAttempt(ctx, models.DeliveryReceipt{MessageID: "m1", SessionID: "s1", UserID: 2, AttemptedAt: at.Add(time.Second)}))
	require.NoError(t, repo.MarkDelivered(ctx, "m1", "s1", at))
	require.NoError(t, repo.MarkDelivered(ctx, "m1", "ghost", at))
	require.NoError(t, repo.MarkAcked(ctx, "m1", "s1", 2, at.Add(2*time.Second)))
	require.NoError(t, repo.MarkAcked(ctx, "m1", "s2", 2, at.Add(3*time.Second)))

	receipts, err := repo.ListForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "s1", receipts[0].SessionID)
	assert.Equal(t, 2, receipts[0].Attempts)
	require.NotNil(t, receipts[0].AckedAt)
	require.NotNil(t, receipts[1].AckedAt)
	assert.Zero(t, receipts[1].Attempts)
}
