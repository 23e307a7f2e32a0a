// Package directory fronts the user/group store with a read cache.
package directory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/samber/lo"

	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/repositories"
)

// Reader is the read side used by routing and presence.
type Reader interface {
	GetUser(ctx context.Context, userID int64) (models.User, error)
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error)
}

// Cached serves GetUser, GetGroup, MembersOf and ListGroupsForUser from
// memory. Every mutation made through it bumps a generation that is part of
// each cache key, so reads after a local change never see older data.
// IsMember always reads the store.
type Cached struct {
	store repositories.DirectoryRepository
	cache *ristretto.Cache[string, any]
	ttl   time.Duration
	gen   atomic.Uint64
}

var _ repositories.DirectoryRepository = (*Cached)(nil)

// NewCached wraps store. A zero ttl keeps entries until evicted.
func NewCached(store repositories.DirectoryRepository, ttl time.Duration) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("directory cache: %w", err)
	}
	return &Cached{store: store, cache: cache, ttl: ttl}, nil
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}

// Invalidate drops everything cached so far.
func (c *Cached) Invalidate() {
	c.gen.Add(1)
}

func (c *Cached) key(kind string, id int64) string {
	return fmt.Sprintf("%d:%s:%d", c.gen.Load(), kind, id)
}

func cachedRead[T any](c *Cached, kind string, id int64, load func() (T, error)) (T, error) {
	key := c.key(kind, id)
	if v, ok := c.cache.Get(key); ok {
		if typed, ok := v.(T); ok {
			observability.IncDirectoryCache("hit")
			return typed, nil
		}
	}
	observability.IncDirectoryCache("miss")
	value, err := load()
	if err != nil {
		return value, err
	}
	c.cache.SetWithTTL(key, value, 1, c.ttl)
	return value, nil
}

func (c *Cached) GetUser(ctx context.Context, userID int64) (models.User, error) {
	return cachedRead(c, "user", userID, func() (models.User, error) {
		return c.store.GetUser(ctx, userID)
	})
}

func (c *Cached) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	return cachedRead(c, "group", groupID, func() (models.Group, error) {
		return c.store.GetGroup(ctx, groupID)
	})
}

// MembersOf returns a copy so callers can't mutate the cached slice.
func (c *Cached) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	ids, err := cachedRead(c, "members", groupID, func() ([]int64, error) {
		return c.store.MembersOf(ctx, groupID)
	})
	return append([]int64(nil), ids...), err
}

func (c *Cached) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	groups, err := cachedRead(c, "groups", userID, func() ([]models.Group, error) {
		return c.store.ListGroupsForUser(ctx, userID)
	})
	return append([]models.Group(nil), groups...), err
}

// IsMember is used for send authorization and must not be stale.
func (c *Cached) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	return c.store.IsMember(ctx, userID, groupID)
}

func (c *Cached) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	defer c.Invalidate()
	return c.store.CreateUser(ctx, user)
}

func (c *Cached) UpdateDisplayName(ctx context.Context, userID int64, displayName string) (models.User, error) {
	defer c.Invalidate()
	return c.store.UpdateDisplayName(ctx, userID, displayName)
}

// TouchLogin does not bump the generation; last login is informational.
func (c *Cached) TouchLogin(ctx context.Context, userID int64, at time.Time) error {
	return c.store.TouchLogin(ctx, userID, at)
}

func (c *Cached) CreateGroup(ctx context.Context, creatorID int64, name, description string, memberIDs []int64) (models.Group, error) {
	defer c.Invalidate()
	return c.store.CreateGroup(ctx, creatorID, name, description, memberIDs)
}

func (c *Cached) DeleteGroup(ctx context.Context, groupID int64) error {
	defer c.Invalidate()
	return c.store.DeleteGroup(ctx, groupID)
}

func (c *Cached) AddMember(ctx context.Context, groupID, userID int64) error {
	defer c.Invalidate()
	return c.store.AddMember(ctx, groupID, userID)
}

func (c *Cached) RemoveMember(ctx context.Context, groupID, userID int64) error {
	defer c.Invalidate()
	return c.store.RemoveMember(ctx, groupID, userID)
}

// Contacts returns every other user sharing at least one live group with userID.
func Contacts(ctx context.Context, dir Reader, userID int64) ([]int64, error) {
	groups, err := dir.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var contacts []int64
	for _, group := range groups {
		members, err := dir.MembersOf(ctx, group.ID)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, members...)
	}
	return lo.Without(lo.Uniq(contacts), userID), nil
}
