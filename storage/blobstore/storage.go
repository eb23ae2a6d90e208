// Package blobstore stores tiles in gocloud.dev buckets, any driver registered
// by the caller can be used: mem://, file:///path, s3://bucket, gs://bucket.
package blobstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/tilecache/storage"
)

const statusMetadataKey = "status"

// Storage opens one gocloud bucket per namespace and keeps it for reuse,
// each namespace lives under its own "namespace/" key prefix.
type Storage struct {
	url    string
	logger log.Logger

	mu      sync.Mutex
	buckets map[string]*Bucket
	opening singleflight.Group
}

// NewStorage returns a storage opening buckets at url.
func NewStorage(url string, logger log.Logger) (*Storage, func() error, error) {
	if url == "" {
		return nil, nil, fmt.Errorf("empty bucket url")
	}

	s := &Storage{
		url:     url,
		logger:  log.With(logger, "component", "blob_storage"),
		buckets: make(map[string]*Bucket),
	}

	return s, s.Close, nil
}

// Open returns the bucket for namespace, opening it on first use.
// Concurrent first opens of the same namespace share one bucket.
func (s *Storage) Open(ctx context.Context, namespace string) (storage.Bucket, error) {
	if namespace == "" {
		return nil, storage.UnavailableError(namespace, fmt.Errorf("empty namespace"))
	}

	s.mu.Lock()
	b, ok := s.buckets[namespace]
	s.mu.Unlock()
	if ok {
		return b, nil
	}

	v, err, _ := s.opening.Do(namespace, func() (interface{}, error) {
		s.mu.Lock()
		b, ok := s.buckets[namespace]
		s.mu.Unlock()
		if ok {
			return b, nil
		}

		// shared by every caller waiting on this open
		bucket, err := blob.OpenBucket(context.WithoutCancel(ctx), s.url)
		if err != nil {
			return nil, err
		}

		b = &Bucket{Bucket: blob.PrefixedBucket(bucket, namespace+"/"), namespace: namespace}

		s.mu.Lock()
		s.buckets[namespace] = b
		s.mu.Unlock()

		level.Debug(s.logger).Log("msg", "bucket opened", "namespace", namespace, "url", s.url)

		return b, nil
	})
	if err != nil {
		return nil, storage.UnavailableError(namespace, err)
	}

	return v.(*Bucket), nil
}

// Close closes every opened bucket.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result error
	for ns, b := range s.buckets {
		if err := b.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing namespace %s: %w", ns, err))
		}
		delete(s.buckets, ns)
	}

	return result
}

// Bucket is a namespace backed by a gocloud bucket.
type Bucket struct {
	*blob.Bucket
	namespace string
}

// Lookup returns the tile stored at key.
func (b *Bucket) Lookup(ctx context.Context, key string) (*storage.Entry, error) {
	attrs, err := b.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("can't read attributes of %s: %w", key, err)
	}

	e := &storage.Entry{
		Key:         key,
		ContentType: attrs.ContentType,
		StoredAt:    attrs.ModTime,
	}

	// blobs written by other tools have no status marker, they are trusted
	e.Status = storage.StatusOK
	if s, ok := attrs.Metadata[statusMetadataKey]; ok {
		e.Status, _ = strconv.Atoi(s)
	}
	if !e.OK() {
		return nil, storage.ErrNotFound
	}

	e.Data, err = b.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("can't read %s: %w", key, err)
	}

	return e, nil
}

// Put writes the tile at key with its content type and an ok status marker.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := &blob.WriterOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			statusMetadataKey: strconv.Itoa(storage.StatusOK),
		},
	}

	if err := b.WriteAll(ctx, key, data, opts); err != nil {
		return storage.WriteError(key, err)
	}

	return nil
}
