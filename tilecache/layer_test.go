package tilecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"net/http"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/memblob"

	"github.com/akhenakh/tilecache/fetch"
	"github.com/akhenakh/tilecache/storage"
	"github.com/akhenakh/tilecache/storage/blobstore"
)

const (
	testPrefix = "http://origin/toner/"
	testURL    = "http://origin/toner/3/4/5.png"
	testKey    = "offline-map-tiles/3/4/5.png"
)

var testTile = maptile.New(4, 5, 3)

// memStore is a storage.Store counting its calls, lookupErrs and putErr
// inject failures, lookupErrs is indexed by the 1 based lookup call number.
type memStore struct {
	mu         sync.Mutex
	entries    map[string]*storage.Entry
	opens      int
	lookups    int
	puts       int
	openErr    error
	lookupErrs map[int]error
	putErr     error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*storage.Entry)}
}

func (s *memStore) Open(ctx context.Context, namespace string) (storage.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.openErr != nil {
		return nil, s.openErr
	}

	return s, nil
}

func (s *memStore) Lookup(ctx context.Context, key string) (*storage.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lookups++
	if err := s.lookupErrs[s.lookups]; err != nil {
		return nil, err
	}

	e, ok := s.entries[key]
	if !ok || !e.OK() {
		return nil, storage.ErrNotFound
	}

	return e, nil
}

func (s *memStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	if s.putErr != nil {
		return s.putErr
	}

	s.entries[key] = &storage.Entry{Key: key, Data: data, ContentType: contentType, Status: storage.StatusOK}

	return nil
}

func (s *memStore) calls() (opens, lookups, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opens, s.lookups, s.puts
}

// countingFetcher serves body for every URL, or err.
type countingFetcher struct {
	mu    sync.Mutex
	urls  []string
	body  []byte
	ctype string
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}

	return &fetch.Response{StatusCode: http.StatusOK, ContentType: f.ctype, Body: f.body}, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.urls)
}

// recorder is a synchronous Notifier.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *recorder) named(name EventName) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evs []Event
	for _, ev := range r.events {
		if ev.Name == name {
			evs = append(evs, ev)
		}
	}

	return evs
}

func cacheConfig() Config {
	cfg := DefaultConfig()
	cfg.UseCache = true
	cfg.OriginPrefix = testPrefix

	return cfg
}

func newTestLayer(t *testing.T, cfg Config, store storage.Store, f fetch.Fetcher) (*Layer, *recorder) {
	rec := &recorder{}

	l, err := NewLayer(cfg, store, f, rec, log.NewNopLogger())
	require.NoError(t, err)

	return l, rec
}

func TestLayer_NoCacheIsPassthrough(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{body: []byte("tile"), ctype: "image/png"}

	cfg := DefaultConfig()
	l, rec := newTestLayer(t, cfg, store, f)
	require.Empty(t, l.Namespace())

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Bypass, src.Outcome)
	require.Equal(t, testURL, src.URL)
	require.Equal(t, []byte("tile"), src.Data)

	opens, lookups, puts := store.calls()
	require.Zero(t, opens+lookups+puts)
	require.Empty(t, rec.events)
	require.Equal(t, 1, f.count())
}

func TestLayer_NoCacheFetchFailure(t *testing.T) {
	f := &countingFetcher{err: errors.New("connection refused")}
	l, _ := newTestLayer(t, DefaultConfig(), nil, f)

	_, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.ErrorIs(t, err, ErrNetwork)
}

func TestLayer_OfflineMissIsBlank(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{body: pngTile(t)}

	cfg := cacheConfig()
	cfg.UseOnlyCache = true
	l, rec := newTestLayer(t, cfg, store, f)

	ch := l.ResolveAsync(context.Background(), Request{Tile: testTile, URL: testURL})

	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.True(t, res.Source.IsBlank())
	require.Same(t, EmptyImage, res.Source)

	_, ok = <-ch
	require.False(t, ok, "exactly one result is delivered")

	require.Zero(t, f.count())
	require.Len(t, rec.named(EventCacheMiss), 1)
	require.Empty(t, rec.named(EventCacheHit))
}

func TestLayer_MissFetchesAndSaves(t *testing.T) {
	store := newMemStore()
	origin := jpegTile(t)
	f := &countingFetcher{body: origin, ctype: "image/jpeg"}

	l, rec := newTestLayer(t, cacheConfig(), store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Miss, src.Outcome)
	require.Equal(t, testURL, src.URL)
	require.Equal(t, origin, src.Data)
	require.Equal(t, "image/jpeg", src.ContentType)

	require.Equal(t, 1, f.count())
	misses := rec.named(EventCacheMiss)
	require.Len(t, misses, 1)
	require.Equal(t, Event{Name: EventCacheMiss, Tile: testTile, URL: testURL}, misses[0])

	// saved under the derived key, re-encoded as the cache format
	e, ok := store.entries[testKey]
	require.True(t, ok)
	require.Equal(t, "image/png", e.ContentType)
	_, format, err := image.Decode(bytes.NewReader(e.Data))
	require.NoError(t, err)
	require.Equal(t, "png", format)
}

func TestLayer_HitAfterSave(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{body: pngTile(t), ctype: "image/png"}

	l, rec := newTestLayer(t, cacheConfig(), store, f)
	ctx := context.Background()

	_, err := l.Resolve(ctx, Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)

	src, err := l.Resolve(ctx, Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)

	want := &ImageSource{
		URL:         testKey,
		Data:        store.entries[testKey].Data,
		ContentType: "image/png",
		Outcome:     Hit,
	}
	if diff := cmp.Diff(want, src); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, 1, f.count(), "a hit never reaches the origin")
	hits := rec.named(EventCacheHit)
	require.Len(t, hits, 1)
	require.Equal(t, testKey, hits[0].URL)
	require.Len(t, rec.named(EventCacheMiss), 1)
}

func TestLayer_HitRetriesOnce(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), testKey, []byte("cached"), "image/png"))
	// lookup 1 is the match, 2 the first read
	store.lookupErrs = map[int]error{2: errors.New("transient")}

	f := &countingFetcher{}
	l, rec := newTestLayer(t, cacheConfig(), store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Hit, src.Outcome)
	require.Equal(t, []byte("cached"), src.Data)

	_, lookups, _ := store.calls()
	require.Equal(t, 3, lookups)
	require.Zero(t, f.count())
	require.Len(t, rec.named(EventCacheHit), 1)
}

func TestLayer_HitFailingTwiceIsLoadError(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), testKey, []byte("cached"), "image/png"))
	store.lookupErrs = map[int]error{2: errors.New("io"), 3: errors.New("io")}

	f := &countingFetcher{body: pngTile(t)}
	l, rec := newTestLayer(t, cacheConfig(), store, f)

	_, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.ErrorIs(t, err, ErrNetwork)

	var lerr *LoadError
	require.True(t, errors.As(err, &lerr))
	require.Equal(t, 2, lerr.Attempts)
	require.Equal(t, testKey, lerr.URL)

	// no fallback to the miss path
	require.Zero(t, f.count())
	require.Empty(t, rec.named(EventCacheMiss))
}

func TestLayer_SaveFailureStillServes(t *testing.T) {
	store := newMemStore()
	store.putErr = storage.WriteError(testKey, errors.New("quota exceeded"))
	f := &countingFetcher{body: pngTile(t), ctype: "image/png"}

	l, _ := newTestLayer(t, cacheConfig(), store, f)

	res := <-l.ResolveAsync(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, res.Err)
	require.Equal(t, Miss, res.Source.Outcome)
	require.Equal(t, testURL, res.Source.URL)

	_, _, puts := store.calls()
	require.Equal(t, 1, puts)
}

func TestLayer_UndecodableTileIsServedNotSaved(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{body: []byte("not an image"), ctype: "image/png"}

	l, _ := newTestLayer(t, cacheConfig(), store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, []byte("not an image"), src.Data)

	_, _, puts := store.calls()
	require.Zero(t, puts)
}

func TestLayer_NoSaveToCache(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{body: pngTile(t), ctype: "image/png"}

	cfg := cacheConfig()
	cfg.SaveToCache = false
	l, rec := newTestLayer(t, cfg, store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Miss, src.Outcome)

	_, _, puts := store.calls()
	require.Zero(t, puts)
	require.Len(t, rec.named(EventCacheMiss), 1)
}

func TestLayer_MissFetchFailure(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{err: &fetch.StatusError{URL: testURL, StatusCode: http.StatusBadGateway}}

	l, rec := newTestLayer(t, cacheConfig(), store, f)

	res := <-l.ResolveAsync(context.Background(), Request{Tile: testTile, URL: testURL})
	require.Nil(t, res.Source)
	require.ErrorIs(t, res.Err, ErrNetwork)

	var serr *fetch.StatusError
	require.True(t, errors.As(res.Err, &serr))

	require.Len(t, rec.named(EventCacheMiss), 1)
	require.Equal(t, 1, f.count())
}

func TestLayer_NotOKResponseIsFailure(t *testing.T) {
	f := fetch.FetcherFunc(func(ctx context.Context, url string) (*fetch.Response, error) {
		return &fetch.Response{StatusCode: http.StatusNotFound}, nil
	})

	l, err := NewLayer(cacheConfig(), newMemStore(), f, nil, log.NewNopLogger())
	require.NoError(t, err)

	_, err = l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.ErrorIs(t, err, ErrNetwork)
}

func TestLayer_StoreUnavailableBypasses(t *testing.T) {
	store := newMemStore()
	store.openErr = storage.UnavailableError("offline-map-tiles", errors.New("locked"))
	f := &countingFetcher{body: []byte("tile")}

	l, rec := newTestLayer(t, cacheConfig(), store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Bypass, src.Outcome)
	require.Empty(t, rec.events)
	require.Equal(t, 1, f.count())
}

func TestLayer_LookupErrorBypasses(t *testing.T) {
	store := newMemStore()
	store.lookupErrs = map[int]error{1: errors.New("corrupted")}
	f := &countingFetcher{body: []byte("tile")}

	l, rec := newTestLayer(t, cacheConfig(), store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Bypass, src.Outcome)
	require.Empty(t, rec.events)
	require.Equal(t, 1, f.count())
}

func TestLayer_LookupErrorOfflineServesBlank(t *testing.T) {
	store := newMemStore()
	store.lookupErrs = map[int]error{1: errors.New("corrupted")}
	f := &countingFetcher{body: []byte("tile")}

	cfg := cacheConfig()
	cfg.UseOnlyCache = true
	l, rec := newTestLayer(t, cfg, store, f)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Same(t, EmptyImage, src)
	require.Empty(t, rec.events)
	require.Zero(t, f.count())
}

func TestLayer_SaveSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	f := fetch.FetcherFunc(func(_ context.Context, url string) (*fetch.Response, error) {
		cancel()

		return &fetch.Response{StatusCode: http.StatusOK, ContentType: "image/png", Body: pngTile(t)}, nil
	})

	l, err := NewLayer(cacheConfig(), blobStore(t), f, nil, log.NewNopLogger())
	require.NoError(t, err)

	_, err = l.Resolve(ctx, Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)

	src, err := l.Resolve(context.Background(), Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Hit, src.Outcome)
}

func TestLayer_RoundTripThroughBlobStore(t *testing.T) {
	f := &countingFetcher{body: pngTile(t), ctype: "image/png"}
	l, rec := newTestLayer(t, cacheConfig(), blobStore(t), f)
	ctx := context.Background()

	miss, err := l.Resolve(ctx, Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Miss, miss.Outcome)

	hit, err := l.Resolve(ctx, Request{Tile: testTile, URL: testURL})
	require.NoError(t, err)
	require.Equal(t, Hit, hit.Outcome)
	require.Equal(t, "image/png", hit.ContentType)

	reencoded, err := Reencode(f.body, "image/png")
	require.NoError(t, err)
	require.Equal(t, reencoded, hit.Data)

	require.Len(t, rec.named(EventCacheHit), 1)
	require.Len(t, rec.named(EventCacheMiss), 1)
	require.Equal(t, 1, f.count())
}

func TestLayer_ConcurrentTiles(t *testing.T) {
	store := newMemStore()
	f := &countingFetcher{body: pngTile(t), ctype: "image/png"}
	l, rec := newTestLayer(t, cacheConfig(), store, f)

	var chans []<-chan Result
	for x := uint32(0); x < 16; x++ {
		tile := maptile.New(x, 0, 4)
		url := testPrefix + "4/" + string(rune('a'+x)) + "/0.png"
		chans = append(chans, l.ResolveAsync(context.Background(), Request{Tile: tile, URL: url}))
	}

	for _, ch := range chans {
		res := <-ch
		require.NoError(t, res.Err)
	}

	require.Len(t, rec.named(EventCacheMiss), 16)
	require.Len(t, store.entries, 16)
}

func TestNewLayer_Errors(t *testing.T) {
	f := &countingFetcher{}

	_, err := NewLayer(cacheConfig(), nil, f, nil, log.NewNopLogger())
	require.Error(t, err)

	_, err = NewLayer(DefaultConfig(), nil, nil, nil, log.NewNopLogger())
	require.Error(t, err)

	cfg := cacheConfig()
	cfg.CacheFormat = "image/tiff"
	_, err = NewLayer(cfg, newMemStore(), f, nil, log.NewNopLogger())
	require.Error(t, err)
}

func blobStore(t *testing.T) storage.Store {
	s, clean, err := blobstore.NewStorage("mem://", log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = clean() })

	return s
}
