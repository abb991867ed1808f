package key

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"chat_relay/internal/model"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

var prefixKey = []byte("key:")

// BadgerKeyRepo stores key records in an embedded badger database for
// single-node deployments without Mongo.
// Key format: key:[version uint32 big endian], so iteration is version order.
type BadgerKeyRepo struct {
	db *badger.DB
}

func NewBadgerKeyRepo(db *badger.DB) *BadgerKeyRepo {
	return &BadgerKeyRepo{db: db}
}

func versionKey(version uint32) []byte {
	k := make([]byte, len(prefixKey)+4)
	copy(k, prefixKey)
	binary.BigEndian.PutUint32(k[len(prefixKey):], version)
	return k
}

func (r *BadgerKeyRepo) List(ctx context.Context) ([]model.KeyRecord, error) {
	var records []model.KeyRecord
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefixKey); it.ValidForPrefix(prefixKey); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec model.KeyRecord
			err := it.Item().Value(func(val []byte) error {
				return bson.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (r *BadgerKeyRepo) Insert(ctx context.Context, rec model.KeyRecord) error {
	data, err := bson.Marshal(rec)
	if err != nil {
		return err
	}
	k := versionKey(rec.Version)
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return fmt.Errorf("key v%d already stored", rec.Version)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, data)
	})
}

func (r *BadgerKeyRepo) SetStatus(ctx context.Context, version uint32, status model.KeyStatus) error {
	k := versionKey(version)
	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("key v%d not stored", version)
		}
		if err != nil {
			return err
		}

		var rec model.KeyRecord
		if err := item.Value(func(val []byte) error { return bson.Unmarshal(val, &rec) }); err != nil {
			return err
		}
		rec.Status = status
		data, err := bson.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(k, data)
	})
}

func (r *BadgerKeyRepo) Delete(ctx context.Context, version uint32) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(versionKey(version))
	})
}
