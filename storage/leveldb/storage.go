package leveldb

import (
	"context"
	"fmt"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	lvlerrs "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/akhenakh/tilecache/storage"
)

// Storage stores snappy compressed tiles in a level DB.
type Storage struct {
	db     *leveldb.DB
	logger log.Logger
}

// NewStorage opens a level DB at path.
// cache is in megabytes, trading memory for read performance.
func NewStorage(path string, cache int, logger log.Logger) (*Storage, func() error, error) {
	options := &opt.Options{
		Filter:                 filter.NewBloomFilter(10),
		OpenFilesCacheCapacity: 256,
		BlockCacheCapacity:     cache * opt.MiB,
		WriteBuffer:            cache * opt.MiB,
	}

	db, err := leveldb.OpenFile(path, options)
	if _, corrupted := err.(*lvlerrs.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open DB at %s: %w", path, err)
	}

	return &Storage{
		db:     db,
		logger: log.With(logger, "component", "leveldb_storage"),
	}, db.Close, nil
}

// Open returns a handle on namespace.
func (s *Storage) Open(ctx context.Context, namespace string) (storage.Bucket, error) {
	if namespace == "" {
		return nil, storage.UnavailableError(namespace, fmt.Errorf("empty namespace"))
	}

	level.Debug(s.logger).Log("msg", "namespace opened", "namespace", namespace)

	return &Bucket{db: s.db, prefix: []byte(namespace + "\x00")}, nil
}

// Bucket is a key prefix in the level DB.
type Bucket struct {
	db     *leveldb.DB
	prefix []byte
}

func (b *Bucket) dbKey(key string) []byte {
	k := make([]byte, 0, len(b.prefix)+len(key))
	k = append(k, b.prefix...)

	return append(k, key...)
}

// Lookup returns the tile stored at key.
func (b *Bucket) Lookup(ctx context.Context, key string) (*storage.Entry, error) {
	v, err := b.db.Get(b.dbKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e, err := storage.DecodeEntry(key, v)
	if err != nil {
		return nil, err
	}

	e.Data, err = snappy.Decode(nil, e.Data)
	if err != nil {
		return nil, fmt.Errorf("corrupted tile at %s: %w", key, err)
	}

	return e, nil
}

// Put writes the tile at key.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	v, err := storage.EncodeRecord(snappy.Encode(nil, data), contentType)
	if err != nil {
		return storage.WriteError(key, err)
	}

	if err := b.db.Put(b.dbKey(key), v, nil); err != nil {
		return storage.WriteError(key, err)
	}

	return nil
}
