package server

import (
	"fmt"

	log "github.com/go-kit/log"
	"google.golang.org/grpc/health"

	"github.com/akhenakh/tilecache/tilecache"
	"github.com/akhenakh/tilecache/tileurl"
)

// TilesRoute is the gorilla/mux route of TilesHandler.
const TilesRoute = "/tiles/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.{ext}"

// Server serves tiles through a cache layer.
type Server struct {
	appName      string
	version      string
	tilesKey     string
	layer        *tilecache.Layer
	template     *tileurl.Template
	logger       log.Logger
	healthServer *health.Server
}

// New returns a Server, tilesKey protects tiles access when not empty.
func New(appName, version, tilesKey string, layer *tilecache.Layer, template *tileurl.Template,
	logger log.Logger, healthServer *health.Server) (*Server, error) {
	if layer == nil || template == nil {
		return nil, fmt.Errorf("a layer and an origin template are required")
	}

	s := &Server{
		appName:      appName,
		version:      version,
		tilesKey:     tilesKey,
		layer:        layer,
		template:     template,
		logger:       log.With(logger, "component", "server"),
		healthServer: healthServer,
	}

	return s, nil
}

// HealthServiceName is the gRPC health service name of the app.
func (s *Server) HealthServiceName() string {
	return fmt.Sprintf("grpc.health.v1.%s", s.appName)
}
