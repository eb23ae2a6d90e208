package tilecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/paulmach/orb/maptile"

	"github.com/akhenakh/tilecache/fetch"
	"github.com/akhenakh/tilecache/metrics"
	"github.com/akhenakh/tilecache/storage"
)

// hitReadAttempts is the number of reads of a cached tile before giving up.
const hitReadAttempts = 2

// Request asks for the tile at URL.
type Request struct {
	Tile maptile.Tile
	URL  string
}

// Result is the completion of a resolution, exactly one of Source and Err is set.
type Result struct {
	Source *ImageSource
	Err    error
}

// Layer resolves tiles through its cache.
type Layer struct {
	cfg      Config
	store    storage.Store
	fetcher  fetch.Fetcher
	notifier Notifier
	logger   log.Logger
}

// NewLayer returns a Layer, store may be nil when caching is disabled.
func NewLayer(cfg Config, store storage.Store, fetcher fetch.Fetcher, notifier Notifier, logger log.Logger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layer configuration: %w", err)
	}
	if cfg.UseCache && store == nil {
		return nil, fmt.Errorf("caching is enabled without a store")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("a fetcher is required")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	return &Layer{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		logger:   log.With(logger, "component", "layer"),
	}, nil
}

// Config returns the layer options.
func (l *Layer) Config() Config {
	return l.cfg
}

// Namespace returns the cache namespace, empty when caching is disabled.
func (l *Layer) Namespace() string {
	if !l.cfg.UseCache {
		return ""
	}

	return l.cfg.Namespace
}

// Key returns the store key of originURL.
func (l *Layer) Key(originURL string) string {
	return DeriveKey(l.cfg.Namespace, l.cfg.OriginPrefix, originURL)
}

// ResolveAsync resolves req in its own goroutine, the returned channel
// receives exactly one Result and is then closed.
func (l *Layer) ResolveAsync(ctx context.Context, req Request) <-chan Result {
	ch := make(chan Result, 1)

	go func() {
		defer close(ch)

		src, err := l.Resolve(ctx, req)
		ch <- Result{Source: src, Err: err}
	}()

	return ch
}

// Resolve returns a servable image for req.
// Only origin failures, and cached tiles unreadable twice, are returned as
// errors, they match ErrNetwork.
func (l *Layer) Resolve(ctx context.Context, req Request) (*ImageSource, error) {
	src, err := l.resolve(ctx, req)
	if err != nil {
		level.Debug(l.logger).Log("msg", "tile load error", "url", req.URL, "error", err)

		return nil, err
	}

	metrics.RecordResolved(src.Outcome.String())

	return src, nil
}

func (l *Layer) resolve(ctx context.Context, req Request) (*ImageSource, error) {
	if !l.cfg.UseCache {
		return l.direct(ctx, req)
	}

	key := l.Key(req.URL)
	logger := log.With(l.logger, "key", key, "z", req.Tile.Z, "x", req.Tile.X, "y", req.Tile.Y)

	bucket, err := l.store.Open(ctx, l.cfg.Namespace)
	if err != nil {
		metrics.RecordStoreError("open")
		level.Warn(logger).Log("msg", "store unavailable, bypassing cache", "error", err)

		return l.direct(ctx, req)
	}

	_, err = bucket.Lookup(ctx, key)
	switch {
	case err == nil:
		return l.hit(ctx, logger, req, bucket)
	case errors.Is(err, storage.ErrNotFound):
		return l.miss(ctx, logger, req, bucket, key)
	default:
		metrics.RecordStoreError("lookup")

		// offline layers never reach the network
		if l.cfg.UseOnlyCache {
			level.Warn(logger).Log("msg", "store lookup failed, serving blank tile", "error", err)

			return EmptyImage, nil
		}

		level.Warn(logger).Log("msg", "store lookup failed, bypassing cache", "error", err)

		return l.direct(ctx, req)
	}
}

// hit re-derives the key and reads the tile again rather than trusting the
// lookup, a second failed read is a load error, never a fallback to miss.
func (l *Layer) hit(ctx context.Context, logger log.Logger, req Request, bucket storage.Bucket) (*ImageSource, error) {
	key := l.Key(req.URL)
	l.emit(EventCacheHit, req.Tile, key)

	var err error
	for attempt := 1; attempt <= hitReadAttempts; attempt++ {
		var e *storage.Entry
		e, err = bucket.Lookup(ctx, key)
		if err == nil {
			level.Debug(logger).Log("msg", "serving cached tile", "attempt", attempt)

			return &ImageSource{
				URL:         key,
				Data:        e.Data,
				ContentType: e.ContentType,
				Outcome:     Hit,
			}, nil
		}

		level.Debug(logger).Log("msg", "cached tile read failed", "attempt", attempt, "error", err)
	}

	return nil, &LoadError{URL: key, Attempts: hitReadAttempts, Err: err}
}

func (l *Layer) miss(ctx context.Context, logger log.Logger, req Request, bucket storage.Bucket, key string) (*ImageSource, error) {
	l.emit(EventCacheMiss, req.Tile, req.URL)

	if l.cfg.UseOnlyCache {
		level.Debug(logger).Log("msg", "tile not in cache", "url", req.URL)

		return EmptyImage, nil
	}

	resp, err := l.fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	if l.cfg.SaveToCache {
		// the save outlives a caller giving up on the tile
		l.save(context.WithoutCancel(ctx), logger, bucket, key, resp.Body)
	}

	return &ImageSource{
		URL:         req.URL,
		Data:        resp.Body,
		ContentType: resp.ContentType,
		Outcome:     Miss,
	}, nil
}

func (l *Layer) direct(ctx context.Context, req Request) (*ImageSource, error) {
	resp, err := l.fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	return &ImageSource{
		URL:         req.URL,
		Data:        resp.Body,
		ContentType: resp.ContentType,
		Outcome:     Bypass,
	}, nil
}

func (l *Layer) fetch(ctx context.Context, url string) (*fetch.Response, error) {
	start := time.Now()
	resp, err := l.fetcher.Fetch(ctx, url)
	if err == nil && resp == nil {
		err = fmt.Errorf("empty response for %s", url)
	}
	if err == nil && !resp.OK() {
		err = &fetch.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	metrics.RecordFetch(err == nil, time.Since(start).Seconds())

	if err != nil {
		return nil, &LoadError{URL: url, Attempts: 1, Err: err}
	}

	return resp, nil
}

// save is best effort, failures are logged and counted only.
func (l *Layer) save(ctx context.Context, logger log.Logger, bucket storage.Bucket, key string, body []byte) {
	data, err := Reencode(body, l.cfg.CacheFormat)
	if err != nil {
		metrics.RecordStoreError("encode")
		level.Warn(logger).Log("msg", "can't re-encode tile, not saving", "error", err)

		return
	}

	if err := bucket.Put(ctx, key, data, l.cfg.CacheFormat); err != nil {
		metrics.RecordStoreError("put")
		level.Warn(logger).Log("msg", "can't save tile", "error", err)

		return
	}

	level.Debug(logger).Log("msg", "tile saved", "size", len(data))
}

func (l *Layer) emit(name EventName, tile maptile.Tile, url string) {
	metrics.RecordEvent(string(name))
	l.notifier.Notify(Event{Name: name, Tile: tile, URL: url})
}
