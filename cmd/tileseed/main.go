package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/namsral/flag"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/tilecache/fetch"
	"github.com/akhenakh/tilecache/loglevel"
	"github.com/akhenakh/tilecache/storage/backend"
	"github.com/akhenakh/tilecache/tilecache"
	"github.com/akhenakh/tilecache/tileurl"
)

const appName = "tileseed"

var (
	version  = "no version from LDFLAGS"
	logLevel = flag.String("logLevel", "INFO", "DEBUG|INFO|WARN|ERROR")

	minLat  = flag.Float64("minLat", 48.80, "bounding box south latitude")
	minLng  = flag.Float64("minLng", 2.22, "bounding box west longitude")
	maxLat  = flag.Float64("maxLat", 48.91, "bounding box north latitude")
	maxLng  = flag.Float64("maxLng", 2.47, "bounding box east longitude")
	minZoom = flag.Int("minZoom", 0, "min zoom level")
	maxZoom = flag.Int("maxZoom", 12, "max zoom level")

	storageKind     = flag.String("storageKind", "bbolt", backend.Kinds)
	storageLocation = flag.String("storageLocation", "tiles.db", "db path, or bucket url for blob storage")

	originURL    = flag.String("originURL", "https://tile.openstreetmap.org/{z}/{x}/{y}.png", "origin tiles url template")
	originPrefix = flag.String("originPrefix", "https://tile.openstreetmap.org/", "origin url prefix replaced by the namespace in cache keys")
	subdomains   = flag.String("subdomains", "a,b,c", "comma separated subdomains for {s}")
	tms          = flag.Bool("tms", false, "origin uses TMS y axis")
	namespace    = flag.String("namespace", tilecache.DefaultNamespace, "cache namespace")
	cacheFormat  = flag.String("cacheFormat", tilecache.DefaultCacheFormat, "image/png|image/jpeg|image/gif")
	fetchTimeout = flag.Duration("fetchTimeout", 10*time.Second, "origin fetch timeout")
	userAgent    = flag.String("userAgent", appName, "origin fetch user agent")
	concurrency  = flag.Int("concurrency", 4, "concurrent tile resolutions")
)

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = loglevel.NewLevelFilterFromString(logger, *logLevel)

	level.Info(logger).Log("msg", "starting seeding tiles", "version", version)

	if *minZoom < 0 || *maxZoom > 30 || *minZoom > *maxZoom {
		level.Error(logger).Log("msg", "invalid zoom range", "min_zoom", *minZoom, "max_zoom", *maxZoom)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, clean, err := backend.Open(*storageKind, *storageLocation, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't open storage for writing", "error", err)
		os.Exit(2)
	}
	defer clean()

	cfg := tilecache.DefaultConfig()
	cfg.UseCache = true
	cfg.SaveToCache = true
	cfg.CacheFormat = *cacheFormat
	cfg.Namespace = *namespace
	cfg.OriginPrefix = *originPrefix

	fetcher := fetch.NewHTTPFetcher(nil, *userAgent, *fetchTimeout, logger)

	layer, err := tilecache.NewLayer(cfg, store, fetcher, tilecache.NopNotifier{}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't create cache layer", "error", err)
		os.Exit(2)
	}

	template := &tileurl.Template{URL: *originURL, TMS: *tms}
	if *subdomains != "" {
		template.Subdomains = strings.Split(*subdomains, ",")
	}

	bound := orb.Bound{Min: orb.Point{*minLng, *minLat}, Max: orb.Point{*maxLng, *maxLat}}

	s := &seeder{layer: layer, template: template, logger: logger}

	start := time.Now()
	err = s.seed(ctx, bound, maptile.Zoom(*minZoom), maptile.Zoom(*maxZoom), *concurrency)

	level.Info(logger).Log("msg", "seeding done",
		"hits", s.hits.Load(),
		"misses", s.misses.Load(),
		"failures", s.failures.Load(),
		"duration", time.Since(start),
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		level.Error(logger).Log("msg", "seeding failed", "error", err)
		os.Exit(2)
	}
}

type seeder struct {
	layer    *tilecache.Layer
	template *tileurl.Template
	logger   log.Logger

	hits, misses, failures atomic.Int64
}

// seed resolves every tile of bound from minZoom to maxZoom.
// Origin failures are counted and do not stop the walk.
func (s *seeder) seed(ctx context.Context, bound orb.Bound, minZoom, maxZoom maptile.Zoom, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for z := minZoom; z <= maxZoom; z++ {
		// north west gives the lowest y
		nw := maptile.At(orb.Point{bound.Min.X(), bound.Max.Y()}, z)
		se := maptile.At(orb.Point{bound.Max.X(), bound.Min.Y()}, z)

		level.Debug(s.logger).Log("msg", "seeding zoom", "z", z, "min_x", nw.X, "max_x", se.X, "min_y", nw.Y, "max_y", se.Y)

		for x := nw.X; x <= se.X; x++ {
			for y := nw.Y; y <= se.Y; y++ {
				if ctx.Err() != nil {
					return g.Wait()
				}

				t := maptile.New(x, y, z)
				g.Go(func() error {
					return s.resolve(ctx, t)
				})
			}
		}
	}

	return g.Wait()
}

func (s *seeder) resolve(ctx context.Context, t maptile.Tile) error {
	u, err := s.template.Expand(t)
	if err != nil {
		return err
	}

	src, err := s.layer.Resolve(ctx, tilecache.Request{Tile: t, URL: u})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.failures.Add(1)
		level.Warn(s.logger).Log("msg", "can't seed tile", "url", u, "error", err)

		return nil
	}

	switch src.Outcome {
	case tilecache.Hit:
		s.hits.Add(1)
	case tilecache.Miss:
		s.misses.Add(1)
	}

	return nil
}
