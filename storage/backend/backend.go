// Package backend opens a storage.Store by kind.
package backend

import (
	"fmt"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	// bucket drivers usable by the blob kind
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/akhenakh/tilecache/storage"
	bstorage "github.com/akhenakh/tilecache/storage/bbolt"
	"github.com/akhenakh/tilecache/storage/blobstore"
	lstorage "github.com/akhenakh/tilecache/storage/leveldb"
	pstorage "github.com/akhenakh/tilecache/storage/pogreb"
)

// Kinds lists the supported storage kinds.
const Kinds = "blob|bbolt|pogreb|leveldb"

const leveldbCacheMB = 32

// Open returns the store of kind at location, location is a bucket URL for
// blob and a filesystem path for the others.
func Open(kind, location string, logger log.Logger) (storage.Store, func() error, error) {
	level.Info(logger).Log("msg", "opening tile storage", "kind", kind, "location", location)

	switch kind {
	case "blob":
		return blobstore.NewStorage(location, logger)
	case "bbolt":
		return bstorage.NewStorage(location, logger)
	case "pogreb":
		return pstorage.NewStorage(location, logger)
	case "leveldb":
		return lstorage.NewStorage(location, leveldbCacheMB, logger)
	default:
		return nil, nil, fmt.Errorf("unknown storage kind %q (supported: %s)", kind, Kinds)
	}
}
