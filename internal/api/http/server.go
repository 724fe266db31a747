package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
	"swarmstream/internal/stream"
	"swarmstream/internal/transcode"
)

// StreamRegistry is the watcher lifecycle surface the API drives.
// Satisfied by *stream.Registry.
type StreamRegistry interface {
	OpenAt(ctx context.Context, src string, fileIndex int, startSeconds float64) (*stream.Watcher, error)
	Watcher(id string) (*stream.Watcher, error)
	Close(id string)
	Entries() []stream.DiagnosticsEntry
	WatcherCount() int
}

// SwarmInspector exposes the read side of the swarm client for
// diagnostics.
type SwarmInspector interface {
	Info(ctx context.Context, id domain.InfoHash) (domain.SwarmInfo, error)
	List(ctx context.Context) []domain.InfoHash
}

// ProcessTable is the transcode pool's diagnostics surface.
type ProcessTable interface {
	Snapshot() []transcode.ProcessInfo
	ActiveProcesses() int
}

type Server struct {
	registry  StreamRegistry
	swarms    SwarmInspector
	resolver  ports.MetadataResolver
	catalog   ports.CatalogStore
	processes ProcessTable

	rateRPS   float64
	rateBurst int
	logger    *slog.Logger
	handler   http.Handler
	wsHub     *wsHub
}

type ServerOption func(*Server)

func WithSwarmInspector(si SwarmInspector) ServerOption {
	return func(s *Server) { s.swarms = si }
}

func WithResolver(r ports.MetadataResolver) ServerOption {
	return func(s *Server) { s.resolver = r }
}

func WithCatalog(store ports.CatalogStore) ServerOption {
	return func(s *Server) { s.catalog = store }
}

func WithProcessTable(pt ProcessTable) ServerOption {
	return func(s *Server) { s.processes = pt }
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func NewServer(registry StreamRegistry, opts ...ServerOption) *Server {
	s := &Server{
		registry:  registry,
		rateRPS:   50,
		rateBurst: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/streams/", s.handleStreamByID)
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/swarms", s.handleSwarms)
	mux.HandleFunc("/swarms/", s.handleSwarmByID)
	mux.HandleFunc("/catalog", s.handleCatalog)
	mux.HandleFunc("/catalog/", s.handleCatalogByID)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "swarmstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastDiagnostics pushes the current engine snapshot to every
// connected WebSocket client. Called by the main metrics pump.
func (s *Server) BroadcastDiagnostics(ctx context.Context) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("diagnostics", s.buildDiagnostics(ctx))
}

// Close disconnects WebSocket clients. In-flight HTTP streams are owned
// by the http.Server's shutdown, not by us.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
