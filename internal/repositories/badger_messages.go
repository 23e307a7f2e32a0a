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
//	msg:{conv}:{seq}                  -> models.Message
//	msgid:{id}                        -> msg key
//	unrouted:{conv}:{seq}             -> msg key
//	backlog:{user}:{conv}:{seq}       -> models.Message
//	backlogid:{user}:{id}             -> backlog key
//	rcpt:{message}:{session}          -> models.DeliveryReceipt
func messagePrefix(conv models.ConversationID) []byte {
	return []byte("msg:" + string(conv) + ":")
}

func messageKey(conv models.ConversationID, seq int64) []byte {
	return append(messagePrefix(conv), padID(seq)...)
}

func messageIDKey(id string) []byte { return []byte("msgid:" + id) }

var unroutedPrefix = []byte("unrouted:")

func unroutedKey(conv models.ConversationID, seq int64) []byte {
	return []byte("unrouted:" + string(conv) + ":" + padID(seq))
}

// BadgerMessageRepo is the embedded MessageRepository.
type BadgerMessageRepo struct {
	db *badger.DB
}

// NewBadgerMessageRepo constructs BadgerMessageRepo.
func NewBadgerMessageRepo(db *badger.DB) *BadgerMessageRepo {
	return &BadgerMessageRepo{db: db}
}

func (r *BadgerMessageRepo) MaxSeq(ctx context.Context, conv models.ConversationID) (int64, error) {
	var max int64
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(conv)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		seq, err := strconv.ParseInt(strings.TrimPrefix(string(it.Item().Key()), string(prefix)), 10, 64)
		if err != nil {
			return err
		}
		max = seq
		return nil
	})
	if err != nil {
		return 0, badgerErr("max seq", err)
	}
	return max, nil
}

func (r *BadgerMessageRepo) Insert(ctx context.Context, msg models.Message) error {
	if (msg.RecipientID == 0) == (msg.GroupID == 0) {
		return apperrors.Conflict("message %s must target exactly one of recipient or group", msg.ID)
	}
	key := messageKey(msg.ConversationID, msg.Seq)
	err := r.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, key)
		if err != nil {
			return err
		}
		if taken {
			return ErrSeqConflict
		}
		if err := setValue(txn, key, msg); err != nil {
			return err
		}
		if err := txn.Set(unroutedKey(msg.ConversationID, msg.Seq), key); err != nil {
			return err
		}
		return txn.Set(messageIDKey(msg.ID), key)
	})
	return badgerErr("insert message", err)
}

func (r *BadgerMessageRepo) ListUnrouted(ctx context.Context, before time.Time, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = unroutedPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(msgs) < limit; it.Next() {
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var msg models.Message
			if err := getValue(txn, key, &msg); err != nil {
				return err
			}
			if msg.CreatedAt.Before(before) {
				msgs = append(msgs, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("list unrouted messages", err)
	}
	return msgs, nil
}

func (r *BadgerMessageRepo) MarkRouted(ctx context.Context, msg models.Message) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(unroutedKey(msg.ConversationID, msg.Seq))
	})
	return badgerErr("mark routed", err)
}

func (r *BadgerMessageRepo) ListAfter(ctx context.Context, conv models.ConversationID, afterSeq int64, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(conv)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(conv, afterSeq+1)); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			var msg models.Message
			if err := it.Item().Value(func(val []byte) error { return decodeValue(val, &msg) }); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("list messages", err)
	}
	return msgs, nil
}

func (r *BadgerMessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIDKey(messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.NotFound("message %s", messageID)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getValue(txn, key, &msg)
	})
	if err != nil {
		return models.Message{}, badgerErr("get message", err)
	}
	return msg, nil
}

func backlogPrefix(userID int64) []byte {
	return []byte("backlog:" + padID(userID) + ":")
}

func backlogKey(userID int64, msg models.Message) []byte {
	return []byte(string(backlogPrefix(userID)) + string(msg.ConversationID) + ":" + padID(msg.Seq))
}

func backlogIDKey(userID int64, messageID string) []byte {
	return []byte("backlogid:" + padID(userID) + ":" + messageID)
}

// BadgerBacklog is the embedded BacklogRepository. Entries sort by
// conversation, then sequence.
type BadgerBacklog struct {
	db *badger.DB
}

// NewBadgerBacklog constructs BadgerBacklog.
func NewBadgerBacklog(db *badger.DB) *BadgerBacklog {
	return &BadgerBacklog{db: db}
}

func (b *BadgerBacklog) Push(ctx context.Context, userID int64, msg models.Message) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		queued, err := exists(txn, backlogIDKey(userID, msg.ID))
		if err != nil || queued {
			return err
		}
		key := backlogKey(userID, msg)
		if err := setValue(txn, key, msg); err != nil {
			return err
		}
		return txn.Set(backlogIDKey(userID, msg.ID), key)
	})
	return badgerErr("backlog push", err)
}

func (b *BadgerBacklog) List(ctx context.Context, userID int64) ([]models.Message, error) {
	msgs := []models.Message{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := backlogPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg models.Message
			if err := it.Item().Value(func(val []byte) error { return decodeValue(val, &msg) }); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("backlog list", err)
	}
	return msgs, nil
}

func (b *BadgerBacklog) Remove(ctx context.Context, userID int64, messageID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(backlogIDKey(userID, messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(backlogIDKey(userID, messageID))
	})
	return badgerErr("backlog remove", err)
}

func (b *BadgerBacklog) Len(ctx context.Context, userID int64) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := backlogPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, badgerErr("backlog len", err)
	}
	return count, nil
}

func receiptPrefix(messageID string) []byte {
	return []byte("rcpt:" + messageID + ":")
}

func receiptKey(messageID, sessionID string) []byte {
	return append(receiptPrefix(messageID), sessionID...)
}

// BadgerReceiptRepo is the embedded ReceiptRepository.
type BadgerReceiptRepo struct {
	db *badger.DB
}

// NewBadgerReceiptRepo constructs BadgerReceiptRepo.
func NewBadgerReceiptRepo(db *badger.DB) *BadgerReceiptRepo {
	return &BadgerReceiptRepo{db: db}
}

// update applies fn to the stored receipt, or to a fresh one when create is set.
func (r *BadgerReceiptRepo) update(messageID, sessionID string, create bool, fn func(*models.DeliveryReceipt)) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key := receiptKey(messageID, sessionID)
		receipt := models.DeliveryReceipt{MessageID: messageID, SessionID: sessionID}
		err := getValue(txn, key, &receipt)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if !create {
				return nil
			}
		} else if err != nil {
			return err
		}
		fn(&receipt)
		return setValue(txn, key, receipt)
	})
}

func (r *BadgerReceiptRepo) RecordAttempt(ctx context.Context, receipt models.DeliveryReceipt) error {
	err := r.update(receipt.MessageID, receipt.SessionID, true, func(stored *models.DeliveryReceipt) {
		stored.UserID = receipt.UserID
		stored.Attempts++
		stored.AttemptedAt = receipt.AttemptedAt.UTC()
	})
	return badgerErr("record attempt", err)
}

func (r *BadgerReceiptRepo) MarkDelivered(ctx context.Context, messageID, sessionID string, at time.Time) error {
	err := r.update(messageID, sessionID, false, func(stored *models.DeliveryReceipt) {
		if stored.DeliveredAt == nil {
			at := at.UTC()
			stored.DeliveredAt = &at
		}
	})
	return badgerErr("mark delivered", err)
}

func (r *BadgerReceiptRepo) MarkAcked(ctx context.Context, messageID, sessionID string, userID int64, at time.Time) error {
	err := r.update(messageID, sessionID, true, func(stored *models.DeliveryReceipt) {
		at := at.UTC()
		stored.UserID = userID
		if stored.AttemptedAt.IsZero() {
			stored.AttemptedAt = at
		}
		if stored.DeliveredAt == nil {
			stored.DeliveredAt = &at
		}
		if stored.AckedAt == nil {
			stored.AckedAt = &at
		}
	})
	return badgerErr("mark acked", err)
}

func (r *BadgerReceiptRepo) ListForMessage(ctx context.Context, messageID string) ([]models.DeliveryReceipt, error) {
	receipts := []models.DeliveryReceipt{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := receiptPrefix(messageID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var receipt models.DeliveryReceipt
			if err := it.Item().Value(func(val []byte) error { return decodeValue(val, &receipt) }); err != nil {
				return err
			}
			receipts = append(receipts, receipt)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("list receipts", err)
	}
	sort.SliceStable(receipts, func(i, j int) bool { return receipts[i].AttemptedAt.Before(receipts[j].AttemptedAt) })
	return receipts, nil
}
