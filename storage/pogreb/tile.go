package pogreb

import (
	"context"

	"github.com/akrylysov/pogreb"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/akhenakh/tilecache/storage"
)

const namespaceSep byte = 0

// Bucket is a namespace of a pogreb DB.
type Bucket struct {
	db        *pogreb.DB
	namespace string
	logger    log.Logger
}

func (b *Bucket) dbKey(key string) []byte {
	k := make([]byte, 0, len(b.namespace)+1+len(key))
	k = append(k, b.namespace...)
	k = append(k, namespaceSep)

	return append(k, key...)
}

// Lookup returns the tile stored at key.
func (b *Bucket) Lookup(ctx context.Context, key string) (*storage.Entry, error) {
	level.Debug(b.logger).Log("msg", "read tile", "key", key)

	v, err := b.db.Get(b.dbKey(key))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, storage.ErrNotFound
	}

	return storage.DecodeEntry(key, v)
}

// Put writes the tile at key.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	v, err := storage.EncodeRecord(data, contentType)
	if err != nil {
		return storage.WriteError(key, err)
	}

	if err := b.db.Put(b.dbKey(key), v); err != nil {
		return storage.WriteError(key, err)
	}

	return nil
}
