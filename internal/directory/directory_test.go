package directory

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comm-server/internal/models"
	"comm-server/internal/repositories"
)

func newStore(t *testing.T) *repositories.BadgerDirectoryRepo {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := repositories.NewBadgerDirectoryRepo(db)
	require.NoError(t, err)
	return store
}

func TestCachedMembershipChangesAreVisibleImmediately(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	dir, err := NewCached(store, 0)
	require.NoError(t, err)
	defer dir.Close()

	a, _ := dir.CreateUser(ctx, models.User{Username: "a"})
	b, _ := dir.CreateUser(ctx, models.User{Username: "b"})
	c, _ := dir.CreateUser(ctx, models.User{Username: "c"})
	group, err := dir.CreateGroup(ctx, a.ID, "g", "", []int64{b.ID})
	require.NoError(t, err)

	members, err := dir.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, members)

	require.NoError(t, dir.AddMember(ctx, group.ID, c.ID))
	members, err = dir.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a.ID, b.ID, c.ID}, members)

	require.NoError(t, dir.RemoveMember(ctx, group.ID, b.ID))
	members, err = dir.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a.ID, c.ID}, members)

	member, err := dir.IsMember(ctx, b.ID, group.ID)
	require.NoError(t, err)
	assert.False(t, member)
}

func TestCachedReturnsCopies(t *testing.T) {
	ctx := context.Background()
	dir, err := NewCached(newStore(t), 0)
	require.NoError(t, err)
	defer dir.Close()

	a, _ := dir.CreateUser(ctx, models.User{Username: "a"})
	group, err := dir.CreateGroup(ctx, a.ID, "g", "", nil)
	require.NoError(t, err)

	members, err := dir.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	members[0] = -1

	again, err := dir.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, again)
}

func TestContacts(t *testing.T) {
	ctx := context.Background()
	dir, err := NewCached(newStore(t), 0)
	require.NoError(t, err)
	defer dir.Close()

	a, _ := dir.CreateUser(ctx, models.User{Username: "a"})
	b, _ := dir.CreateUser(ctx, models.User{Username: "b"})
	c, _ := dir.CreateUser(ctx, models.User{Username: "c"})
	d, _ := dir.CreateUser(ctx, models.User{Username: "d"})
	_, err = dir.CreateGroup(ctx, a.ID, "g1", "", []int64{b.ID})
	require.NoError(t, err)
	_, err = dir.CreateGroup(ctx, a.ID, "g2", "", []int64{b.ID, c.ID})
	require.NoError(t, err)

	contacts, err := Contacts(ctx, dir, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{b.ID, c.ID}, contacts)

	contacts, err = Contacts(ctx, dir, d.ID)
	require.NoError(t, err)
	assert.Empty(t, contacts)
}
