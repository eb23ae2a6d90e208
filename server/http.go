package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/maptile"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/akhenakh/tilecache/tilecache"
)

const maxZoom = 30

// ServeHTTP serves tiles for URL such as /tiles/11/618/722.png
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logger := log.With(s.logger, "component", "tile_server")
	vars := mux.Vars(req)

	if s.tilesKey != "" && req.URL.Query().Get("key") != s.tilesKey {
		level.Debug(logger).Log("err", "unauthorized tile request")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

		return
	}

	z, errZ := strconv.ParseUint(vars["z"], 10, 32)
	x, errX := strconv.ParseUint(vars["x"], 10, 32)
	y, errY := strconv.ParseUint(vars["y"], 10, 32)
	if errZ != nil || errX != nil || errY != nil || z > maxZoom {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)

		return
	}
	if x >= 1<<z || y >= 1<<z {
		http.NotFound(w, req)

		return
	}

	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))

	originURL, err := s.template.Expand(tile)
	if err != nil {
		level.Error(logger).Log("msg", "can't build origin url", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	src, err := s.layer.Resolve(req.Context(), tilecache.Request{Tile: tile, URL: originURL})
	if err != nil {
		level.Debug(logger).Log(
			"err", err.Error(),
			"x", x,
			"z", z,
			"y", y,
		)

		status := http.StatusInternalServerError
		if errors.Is(err, tilecache.ErrNetwork) {
			status = http.StatusBadGateway
		}
		http.Error(w, http.StatusText(status), status)

		return
	}

	ctype := src.ContentType
	if ctype == "" {
		ctype = mime.TypeByExtension("." + vars["ext"])
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("X-Tile-Cache", src.Outcome.String())
	_, _ = w.Write(src.Data)
}

// TilesHandler serves the tiles at /tiles/11/618/722.png
func (s *Server) TilesHandler(w http.ResponseWriter, req *http.Request) {
	s.ServeHTTP(w, req)
}

// HealthHandler reports the gRPC health status over HTTP.
func (s *Server) HealthHandler(w http.ResponseWriter, req *http.Request) {
	if s.healthServer == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)

		return
	}

	resp, err := s.healthServer.Check(req.Context(), &healthpb.HealthCheckRequest{Service: s.HealthServiceName()})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

// VersionHandler returns the version and the cache options as JSON.
func (s *Server) VersionHandler(w http.ResponseWriter, req *http.Request) {
	cfg := s.layer.Config()

	m := map[string]interface{}{
		"version":      s.version,
		"namespace":    s.layer.Namespace(),
		"useCache":     cfg.UseCache,
		"saveToCache":  cfg.SaveToCache,
		"useOnlyCache": cfg.UseOnlyCache,
		"cacheFormat":  cfg.CacheFormat,
		"cacheMaxAge":  cfg.CacheMaxAge.Milliseconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		level.Error(s.logger).Log("msg", "can't encode version", "error", err)
	}
}
