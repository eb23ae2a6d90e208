package bbolt

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/akhenakh/tilecache/storage"
)

// Bucket is a namespace backed by a bolt bucket.
type Bucket struct {
	db   *bbolt.DB
	name []byte
}

// Lookup returns the tile stored at key.
func (b *Bucket) Lookup(ctx context.Context, key string) (*storage.Entry, error) {
	var e *storage.Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.name)
		if bucket == nil {
			return storage.ErrNotFound
		}

		v := bucket.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}

		// v is only valid during the transaction, decoding copies it
		var err error
		e, err = storage.DecodeEntry(key, v)

		return err
	})

	return e, err
}

// Put writes the tile at key.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	v, err := storage.EncodeRecord(data, contentType)
	if err != nil {
		return storage.WriteError(key, err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.name)
		if err != nil {
			return err
		}

		return bucket.Put([]byte(key), v)
	})
	if err != nil {
		return storage.WriteError(key, err)
	}

	return nil
}
