package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/tilecache/fetch"
	"github.com/akhenakh/tilecache/loglevel"
	tmetrics "github.com/akhenakh/tilecache/metrics"
	"github.com/akhenakh/tilecache/server"
	"github.com/akhenakh/tilecache/storage/backend"
	"github.com/akhenakh/tilecache/tilecache"
	"github.com/akhenakh/tilecache/tileurl"
)

const appName = "tilecached"

var (
	version = "no version from LDFLAGS"

	logLevel        = flag.String("logLevel", "INFO", "DEBUG|INFO|WARN|ERROR")
	httpMetricsPort = flag.Int("httpMetricsPort", 8088, "http port")
	httpAPIPort     = flag.Int("httpAPIPort", 8080, "http API port")
	healthPort      = flag.Int("healthPort", 6666, "grpc health port")
	tilesKey        = flag.String("tilesKey", "", "A key to protect your tiles access")
	allowOrigin     = flag.String("allowOrigin", "*", "Access-Control-Allow-Origin")

	storageKind     = flag.String("storageKind", "bbolt", backend.Kinds)
	storageLocation = flag.String("storageLocation", "tiles.db", "db path, or bucket url for blob storage")

	originURL     = flag.String("originURL", "https://tile.openstreetmap.org/{z}/{x}/{y}.png", "origin tiles url template")
	originPrefix  = flag.String("originPrefix", "https://tile.openstreetmap.org/", "origin url prefix replaced by the namespace in cache keys")
	subdomains    = flag.String("subdomains", "a,b,c", "comma separated subdomains for {s}")
	tms           = flag.Bool("tms", false, "origin uses TMS y axis")
	zoomOffset    = flag.Int("zoomOffset", 0, "offset added to the origin zoom")
	maxNativeZoom = flag.Int("maxNativeZoom", 0, "max origin zoom, 0 for no limit")
	retina        = flag.Bool("retina", false, "request @2x origin tiles")
	fetchTimeout  = flag.Duration("fetchTimeout", 10*time.Second, "origin fetch timeout")
	userAgent     = flag.String("userAgent", appName, "origin fetch user agent")
	pmtilesBucket = flag.String("pmtilesBucket", "", "bucket url of a PMTiles archive used as origin instead of HTTP")
	pmtilesKey    = flag.String("pmtilesKey", "", "key of the PMTiles archive in pmtilesBucket")

	useCache     = flag.Bool("useCache", true, "enable the tile cache")
	saveToCache  = flag.Bool("saveToCache", true, "save fetched tiles to the cache")
	useOnlyCache = flag.Bool("useOnlyCache", false, "never fetch from the origin, serve blank tiles on miss")
	cacheFormat  = flag.String("cacheFormat", tilecache.DefaultCacheFormat, "image/png|image/jpeg|image/gif")
	cacheMaxAge  = flag.Duration("cacheMaxAge", tilecache.DefaultCacheMaxAge, "maximum age of cached tiles (not enforced)")
	namespace    = flag.String("namespace", tilecache.DefaultNamespace, "cache namespace")
	eventQueue   = flag.Int("eventQueue", 1024, "cache events queue size")

	httpServer        *http.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
)

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = loglevel.NewLevelFilterFromString(logger, *logLevel)

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	store, clean, err := backend.Open(*storageKind, *storageLocation, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't open tile storage", "error", err)
		os.Exit(2)
	}
	defer clean()

	fetcher, closeFetcher, err := newFetcher(ctx, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't open origin", "error", err)
		os.Exit(2)
	}
	defer closeFetcher()

	emitter := tilecache.NewEmitter(*eventQueue, logger)
	defer emitter.Close()

	eventLogger := log.With(logger, "component", "events")
	logEvent := func(ev tilecache.Event) {
		level.Debug(eventLogger).Log("msg", ev.Name, "url", ev.URL, "z", ev.Tile.Z, "x", ev.Tile.X, "y", ev.Tile.Y)
	}
	emitter.On(tilecache.EventCacheHit, logEvent)
	emitter.On(tilecache.EventCacheMiss, logEvent)

	cfg := tilecache.Config{
		UseCache:     *useCache,
		SaveToCache:  *saveToCache,
		UseOnlyCache: *useOnlyCache,
		CacheFormat:  *cacheFormat,
		CacheMaxAge:  *cacheMaxAge,
		Namespace:    *namespace,
		OriginPrefix: *originPrefix,
	}

	layer, err := tilecache.NewLayer(cfg, store, fetcher, emitter, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't create cache layer", "error", err)
		os.Exit(2)
	}

	level.Info(logger).Log("msg", "cache layer ready",
		"use_cache", cfg.UseCache,
		"save_to_cache", cfg.SaveToCache,
		"use_only_cache", cfg.UseOnlyCache,
		"namespace", layer.Namespace(),
		"cache_max_age", cfg.CacheMaxAge,
	)

	template := &tileurl.Template{
		URL:           *originURL,
		TMS:           *tms,
		ZoomOffset:    *zoomOffset,
		MaxNativeZoom: *maxNativeZoom,
		Retina:        *retina,
	}
	if *subdomains != "" {
		template.Subdomains = strings.Split(*subdomains, ",")
	}

	// gRPC Health Server
	healthServer := health.NewServer()
	g.Go(func() error {
		grpcHealthServer = grpc.NewServer()

		healthpb.RegisterHealthServer(grpcHealthServer, healthServer)

		haddr := fmt.Sprintf(":%d", *healthPort)
		hln, err := net.Listen("tcp", haddr)
		if err != nil {
			level.Error(logger).Log("msg", "gRPC Health server: failed to listen", "error", err)
			os.Exit(2)
		}
		level.Info(logger).Log("msg", fmt.Sprintf("gRPC health server listening at %s", haddr))

		return grpcHealthServer.Serve(hln)
	})

	// server
	srv, err := server.New(appName, version, *tilesKey, layer, template, logger, healthServer)
	if err != nil {
		level.Error(logger).Log("msg", "can't get a working server", "error", err)
		os.Exit(2)
	}

	// web server metrics
	g.Go(func() error {
		httpMetricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpMetricsPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP Metrics server listening at :%d", *httpMetricsPort))

		tmetrics.VersionGauge.WithLabelValues(version).Add(1)

		// Register Prometheus metrics handler.
		http.Handle("/metrics", promhttp.Handler())

		if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	// web server
	g.Go(func() error {
		// metrics middleware.
		metricsMwr := middleware.New(middleware.Config{
			Recorder: metrics.NewRecorder(metrics.Config{Prefix: appName}),
		})

		r := mux.NewRouter()

		r.Handle(server.TilesRoute, std.Handler("/tiles/", metricsMwr, srv))

		r.HandleFunc("/healthz", srv.HealthHandler)

		r.HandleFunc("/version", srv.VersionHandler)

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpAPIPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: *fetchTimeout + 10*time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{*allowOrigin}),
				handlers.AllowedMethods([]string{"GET"}))(r),
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP API server listening at :%d", *httpAPIPort))

		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	healthServer.SetServingStatus(srv.HealthServiceName(), healthpb.HealthCheckResponse_SERVING)
	level.Info(logger).Log("msg", "serving status to SERVING")

	select {
	case <-interrupt:
		cancel()

		break
	case <-ctx.Done():
		break
	}

	level.Warn(logger).Log("msg", "received shutdown signal")

	healthServer.SetServingStatus(srv.HealthServiceName(), healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		_ = httpMetricsServer.Shutdown(shutdownCtx)
	}

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	err = g.Wait()
	if err != nil {
		level.Error(logger).Log("msg", "server returning an error", "error", err)
		os.Exit(2)
	}
}

// newFetcher returns the PMTiles origin when configured, HTTP otherwise.
func newFetcher(ctx context.Context, logger log.Logger) (fetch.Fetcher, func(), error) {
	if *pmtilesBucket == "" {
		return fetch.NewHTTPFetcher(nil, *userAgent, *fetchTimeout, logger), func() {}, nil
	}

	bucket, err := blob.OpenBucket(ctx, *pmtilesBucket)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bucket %s: %w", *pmtilesBucket, err)
	}

	f, err := fetch.NewPMTilesFetcher(ctx, bucket, *pmtilesKey, logger)
	if err != nil {
		bucket.Close()

		return nil, nil, err
	}

	return f, func() { bucket.Close() }, nil
}
