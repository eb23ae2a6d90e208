package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNotFound is returned by Lookup when no valid entry exists for a key.
	ErrNotFound = errors.New("tile not found in store")

	// ErrStoreUnavailable is returned when a namespace can't be opened.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreWriteFailed is returned when a Put can't be persisted.
	ErrStoreWriteFailed = errors.New("store write failed")
)

// StatusOK is the status marker written along every saved tile.
const StatusOK = 200

// Store opens namespaced buckets of tile blobs.
type Store interface {
	// Open returns a handle for namespace, it is safe to call Open concurrently
	// and repeatedly for the same namespace.
	Open(ctx context.Context, namespace string) (Bucket, error)
}

// Bucket is a handle on one namespace of a Store.
type Bucket interface {
	// Lookup returns the entry stored at key, or ErrNotFound when the key is
	// absent or the stored entry is not marked ok.
	Lookup(ctx context.Context, key string) (*Entry, error)

	// Put writes data at key, overwriting any previous entry.
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Entry is a stored tile.
type Entry struct {
	Key         string
	Data        []byte
	ContentType string
	Status      int
	StoredAt    time.Time
}

// OK reports whether the status marker of the entry is a 2xx.
func (e *Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Record is the envelope used by key value backends to persist an Entry.
type Record struct {
	Data        []byte    `cbor:"1,keyasint,omitempty"`
	ContentType string    `cbor:"2,keyasint,omitempty"`
	Status      int       `cbor:"3,keyasint,omitempty"`
	StoredAt    time.Time `cbor:"4,keyasint,omitempty"`
}

// EncodeRecord returns the cbor encoding of an ok record for data.
func EncodeRecord(data []byte, contentType string) ([]byte, error) {
	rec := Record{
		Data:        data,
		ContentType: contentType,
		Status:      StatusOK,
		StoredAt:    time.Now().UTC(),
	}

	b, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed encoding record: %w", err)
	}

	return b, nil
}

// DecodeEntry decodes a record stored at key, a record not marked ok yields ErrNotFound.
func DecodeEntry(key string, value []byte) (*Entry, error) {
	var rec Record
	if err := cbor.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed decoding record at %s: %w", key, err)
	}

	e := &Entry{
		Key:         key,
		Data:        rec.Data,
		ContentType: rec.ContentType,
		Status:      rec.Status,
		StoredAt:    rec.StoredAt,
	}
	if !e.OK() {
		return nil, ErrNotFound
	}

	return e, nil
}

// WriteError wraps err as an ErrStoreWriteFailed for key.
func WriteError(key string, err error) error {
	return fmt.Errorf("%w: key %s: %v", ErrStoreWriteFailed, key, err)
}

// UnavailableError wraps err as an ErrStoreUnavailable for namespace.
func UnavailableError(namespace string, err error) error {
	return fmt.Errorf("%w: namespace %s: %v", ErrStoreUnavailable, namespace, err)
}
