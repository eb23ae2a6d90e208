package bbolt

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.etcd.io/bbolt"

	"github.com/akhenakh/tilecache/storage"
)

// Storage stores tiles in a bolt file, one bolt bucket per namespace.
type Storage struct {
	*bbolt.DB
	logger log.Logger
}

// NewStorage returns a tile storage using bboltdb.
func NewStorage(path string, logger log.Logger) (*Storage, func() error, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open DB at %s: %w", path, err)
	}

	return &Storage{
		DB:     db,
		logger: log.With(logger, "component", "bbolt_storage"),
	}, db.Close, nil
}

// Open creates the bolt bucket for namespace if needed.
func (s *Storage) Open(ctx context.Context, namespace string) (storage.Bucket, error) {
	if namespace == "" {
		return nil, storage.UnavailableError(namespace, fmt.Errorf("empty namespace"))
	}

	err := s.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(namespace))
		return err
	})
	if err != nil {
		return nil, storage.UnavailableError(namespace, err)
	}

	level.Debug(s.logger).Log("msg", "namespace opened", "namespace", namespace)

	return &Bucket{db: s.DB, name: []byte(namespace)}, nil
}
