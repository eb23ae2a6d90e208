package tilecache

import (
	"fmt"
	"time"
)

const (
	// DefaultNamespace is the namespace tiles are cached under.
	DefaultNamespace = "offline-map-tiles"

	// DefaultCacheFormat is the format tiles are re-encoded to before saving.
	DefaultCacheFormat = "image/png"

	// DefaultCacheMaxAge is the configured maximum age of cached tiles.
	DefaultCacheMaxAge = 24 * time.Hour
)

// Config holds the caching options of a layer, it is read only once the layer
// is created.
type Config struct {
	// UseCache enables the whole caching path.
	UseCache bool

	// SaveToCache persists tiles fetched on a miss.
	SaveToCache bool

	// UseOnlyCache forbids network fetches on a miss, a blank tile is served instead.
	UseOnlyCache bool

	// CacheFormat is the content type tiles are saved as.
	CacheFormat string

	// CacheMaxAge is carried along but not enforced, tiles never expire.
	CacheMaxAge time.Duration

	// Namespace partitions the store for this layer.
	Namespace string

	// OriginPrefix is the part of origin URLs replaced by the namespace to
	// build store keys, it must identify this layer's tile URLs.
	OriginPrefix string
}

// DefaultConfig returns the default options, caching disabled.
func DefaultConfig() Config {
	return Config{
		UseCache:     false,
		SaveToCache:  true,
		UseOnlyCache: false,
		CacheFormat:  DefaultCacheFormat,
		CacheMaxAge:  DefaultCacheMaxAge,
		Namespace:    DefaultNamespace,
	}
}

// Validate checks the options are usable.
func (c Config) Validate() error {
	if !c.UseCache {
		return nil
	}

	if c.Namespace == "" {
		return fmt.Errorf("a namespace is required when caching is enabled")
	}

	if _, ok := encoders[c.CacheFormat]; !ok {
		return fmt.Errorf("unsupported cache format %q", c.CacheFormat)
	}

	if c.CacheMaxAge < 0 {
		return fmt.Errorf("negative cache max age %s", c.CacheMaxAge)
	}

	return nil
}
