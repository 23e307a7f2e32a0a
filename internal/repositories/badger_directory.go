package repositories

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
)

// Key layout:
//
//	user:{id}                  -> models.User
//	username:{name}            -> id
//	group:{id}                 -> models.Group
//	member:{group}:{user}      -> models.Membership
//	usergroup:{user}:{group}   -> empty
const (
	userSeqKey  = "seq:user"
	groupSeqKey = "seq:group"
)

func userKey(id int64) []byte             { return []byte("user:" + padID(id)) }
func usernameKey(name string) []byte      { return []byte("username:" + name) }
func groupKey(id int64) []byte            { return []byte("group:" + padID(id)) }
func memberPrefix(groupID int64) []byte   { return []byte("member:" + padID(groupID) + ":") }
func userGroupPrefix(userID int64) []byte { return []byte("usergroup:" + padID(userID) + ":") }
func memberKey(groupID, userID int64) []byte {
	return append(memberPrefix(groupID), padID(userID)...)
}
func userGroupKey(userID, groupID int64) []byte {
	return append(userGroupPrefix(userID), padID(groupID)...)
}

// BadgerDirectoryRepo is the embedded DirectoryRepository.
type BadgerDirectoryRepo struct {
	db       *badger.DB
	userSeq  *badger.Sequence
	groupSeq *badger.Sequence
	now      func() time.Time
}

// NewBadgerDirectoryRepo leases id sequences from db. Call Close to release them.
func NewBadgerDirectoryRepo(db *badger.DB) (*BadgerDirectoryRepo, error) {
	userSeq, err := db.GetSequence([]byte(userSeqKey), 100)
	if err != nil {
		return nil, apperrors.Unavailable("user sequence", err)
	}
	groupSeq, err := db.GetSequence([]byte(groupSeqKey), 100)
	if err != nil {
		_ = userSeq.Release()
		return nil, apperrors.Unavailable("group sequence", err)
	}
	return &BadgerDirectoryRepo{db: db, userSeq: userSeq, groupSeq: groupSeq, now: time.Now}, nil
}

// Close returns unused leased ids.
func (r *BadgerDirectoryRepo) Close() error {
	return errors.Join(r.userSeq.Release(), r.groupSeq.Release())
}

// nextID skips zero, which means "unset" across the models.
func nextID(seq *badger.Sequence) (int64, error) {
	for {
		id, err := seq.Next()
		if err != nil {
			return 0, err
		}
		if id > 0 {
			return int64(id), nil
		}
	}
}

func (r *BadgerDirectoryRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	id, err := nextID(r.userSeq)
	if err != nil {
		return models.User{}, apperrors.Unavailable("next user id", err)
	}
	created := models.User{
		ID:          id,
		Username:    user.Username,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		CreatedAt:   r.now().UTC(),
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, usernameKey(user.Username))
		if err != nil {
			return err
		}
		if taken {
			return apperrors.Conflict("username %q already taken", user.Username)
		}
		if err := txn.Set(usernameKey(user.Username), []byte(strconv.FormatInt(id, 10))); err != nil {
			return err
		}
		return setValue(txn, userKey(id), created)
	})
	if err != nil {
		return models.User{}, badgerErr("create user", err)
	}
	return created, nil
}

func (r *BadgerDirectoryRepo) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var user models.User
	err := r.db.View(func(txn *badger.Txn) error {
		return getUser(txn, userID, &user)
	})
	if err != nil {
		return models.User{}, badgerErr("get user", err)
	}
	return user, nil
}

func getUser(txn *badger.Txn, userID int64, user *models.User) error {
	err := getValue(txn, userKey(userID), user)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return apperrors.NotFound("user %d", userID)
	}
	return err
}

func getGroup(txn *badger.Txn, groupID int64, group *models.Group) error {
	err := getValue(txn, groupKey(groupID), group)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return apperrors.NotFound("group %d", groupID)
	}
	return err
}

func (r *BadgerDirectoryRepo) UpdateDisplayName(ctx context.Context, userID int64, displayName string) (models.User, error) {
	var user models.User
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := getUser(txn, userID, &user); err != nil {
			return err
		}
		user.DisplayName = displayName
		return setValue(txn, userKey(userID), user)
	})
	if err != nil {
		return models.User{}, badgerErr("update user", err)
	}
	return user, nil
}

func (r *BadgerDirectoryRepo) TouchLogin(ctx context.Context, userID int64, at time.Time) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var user models.User
		if err := getUser(txn, userID, &user); err != nil {
			return err
		}
		at := at.UTC()
		user.LastLoginAt = &at
		return setValue(txn, userKey(userID), user)
	})
	return badgerErr("touch login", err)
}

func (r *BadgerDirectoryRepo) CreateGroup(ctx context.Context, creatorID int64, name, description string, memberIDs []int64) (models.Group, error) {
	id, err := nextID(r.groupSeq)
	if err != nil {
		return models.Group{}, apperrors.Unavailable("next group id", err)
	}
	now := r.now().UTC()
	group := models.Group{ID: id, Name: name, Description: description, CreatedByID: creatorID, CreatedAt: now}

	err = r.db.Update(func(txn *badger.Txn) error {
		for _, userID := range dedupeMembers(creatorID, memberIDs) {
			var user models.User
			if err := getUser(txn, userID, &user); err != nil {
				return err
			}
			if err := setValue(txn, memberKey(id, userID), models.Membership{GroupID: id, UserID: userID, JoinedAt: now}); err != nil {
				return err
			}
			if err := txn.Set(userGroupKey(userID, id), nil); err != nil {
				return err
			}
		}
		return setValue(txn, groupKey(id), group)
	})
	if err != nil {
		return models.Group{}, badgerErr("create group", err)
	}
	return group, nil
}

func (r *BadgerDirectoryRepo) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	var group models.Group
	err := r.db.View(func(txn *badger.Txn) error {
		return getGroup(txn, groupID, &group)
	})
	if err != nil {
		return models.Group{}, badgerErr("get group", err)
	}
	return group, nil
}

func (r *BadgerDirectoryRepo) DeleteGroup(ctx context.Context, groupID int64) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var group models.Group
		if err := getGroup(txn, groupID, &group); err != nil {
			return err
		}
		if group.Deleted() {
			return apperrors.NotFound("group %d", groupID)
		}
		now := r.now().UTC()
		group.DeletedAt = &now

		members, err := scanMembers(txn, groupID)
		if err != nil {
			return err
		}
		for _, userID := range members {
			if err := txn.Delete(memberKey(groupID, userID)); err != nil {
				return err
			}
			if err := txn.Delete(userGroupKey(userID, groupID)); err != nil {
				return err
			}
		}
		return setValue(txn, groupKey(groupID), group)
	})
	return badgerErr("delete group", err)
}

func (r *BadgerDirectoryRepo) AddMember(ctx context.Context, groupID, userID int64) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var group models.Group
		if err := getGroup(txn, groupID, &group); err != nil {
			return err
		}
		if group.Deleted() {
			return apperrors.NotFound("group %d", groupID)
		}
		var user models.User
		if err := getUser(txn, userID, &user); err != nil {
			return err
		}
		member, err := exists(txn, memberKey(groupID, userID))
		if err != nil {
			return err
		}
		if member {
			return apperrors.Conflict("user %d already in group %d", userID, groupID)
		}
		if err := setValue(txn, memberKey(groupID, userID), models.Membership{GroupID: groupID, UserID: userID, JoinedAt: r.now().UTC()}); err != nil {
			return err
		}
		return txn.Set(userGroupKey(userID, groupID), nil)
	})
	return badgerErr("add member", err)
}

func (r *BadgerDirectoryRepo) RemoveMember(ctx context.Context, groupID, userID int64) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		member, err := exists(txn, memberKey(groupID, userID))
		if err != nil {
			return err
		}
		if !member {
			return apperrors.NotFound("user %d in group %d", userID, groupID)
		}
		if err := txn.Delete(memberKey(groupID, userID)); err != nil {
			return err
		}
		return txn.Delete(userGroupKey(userID, groupID))
	})
	return badgerErr("remove member", err)
}

func (r *BadgerDirectoryRepo) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	var member bool
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		member, err = exists(txn, memberKey(groupID, userID))
		return err
	})
	if err != nil {
		return false, badgerErr("is member", err)
	}
	return member, nil
}

func (r *BadgerDirectoryRepo) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		ids, err = scanMembers(txn, groupID)
		return err
	})
	if err != nil {
		return nil, badgerErr("members of", err)
	}
	return ids, nil
}

func (r *BadgerDirectoryRepo) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.View(func(txn *badger.Txn) error {
		ids, err := scanIDSuffixes(txn, userGroupPrefix(userID))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var group models.Group
			if err := getGroup(txn, id, &group); err != nil {
				return err
			}
			if !group.Deleted() {
				groups = append(groups, group)
			}
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("list groups", err)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.After(groups[j].CreatedAt) })
	return groups, nil
}

func scanMembers(txn *badger.Txn, groupID int64) ([]int64, error) {
	return scanIDSuffixes(txn, memberPrefix(groupID))
}

// scanIDSuffixes returns the padded ids that follow prefix, in key order.
func scanIDSuffixes(txn *badger.Txn, prefix []byte) ([]int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []int64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		suffix := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
		id, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
