package repositories

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"comm-server/internal/apperrors"
)

var cborEnc = func() cbor.EncMode {
	mode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func encodeValue(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func decodeValue(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// getValue loads and decodes key into v. Missing keys surface as badger.ErrKeyNotFound.
func getValue(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return decodeValue(val, v)
	})
}

func setValue(txn *badger.Txn, key []byte, v any) error {
	data, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// badgerErr keeps domain errors as they are and marks everything else retryable.
func badgerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{apperrors.ErrNotFound, apperrors.ErrConflict, apperrors.ErrForbidden, ErrSeqConflict} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperrors.Unavailable(op, err)
}

func padID(id int64) string {
	return fmt.Sprintf("%020d", id)
}
