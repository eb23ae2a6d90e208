package pogreb

import (
	"context"
	"fmt"

	"github.com/akrylysov/pogreb"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/akhenakh/tilecache/storage"
)

// Storage stores tiles in a pogreb directory.
// pogreb has no buckets, namespaces are folded into the keys.
type Storage struct {
	*pogreb.DB
	logger log.Logger
}

// NewStorage returns a tile storage using pogreb.
func NewStorage(path string, logger log.Logger) (*Storage, func() error, error) {
	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open DB at %s: %w", path, err)
	}

	return &Storage{
		DB:     db,
		logger: log.With(logger, "component", "pogreb_storage"),
	}, db.Close, nil
}

// Open returns a handle on namespace, opening never touches the DB.
func (s *Storage) Open(ctx context.Context, namespace string) (storage.Bucket, error) {
	if namespace == "" {
		return nil, storage.UnavailableError(namespace, fmt.Errorf("empty namespace"))
	}

	level.Debug(s.logger).Log("msg", "namespace opened", "namespace", namespace)

	return &Bucket{db: s.DB, namespace: namespace, logger: s.logger}, nil
}
