// Package server provides the sync HTTP server shared by card-stats clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/coalesce"
	"github.com/wolfeidau/card-stats/remote"
	"github.com/wolfeidau/card-stats/telemetry"
)

// Defaults for Config.
const (
	DefaultAddress         = ":8080"
	DefaultStoreDSN        = "bolt://./card-stats-remote.db"
	DefaultMaxBodyBytes    = 100 << 10
	DefaultPullAllMaxLimit = 10000
	DefaultPullAllCacheTTL = 5 * time.Minute
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoreDSN selects the remote store, see remote.Open.
	StoreDSN string

	// Store overrides StoreDSN with an already open store. The server does
	// not close it.
	Store remote.Store

	// AuthToken enables bearer authentication when set.
	AuthToken string

	// MaxBodyBytes limits request bodies. Default 100KB.
	MaxBodyBytes int64

	// PullAllMaxLimit caps the page size of /sync/pull-all.
	PullAllMaxLimit int

	// PullAllMaxAge hides entries older than this from /sync/pull-all.
	PullAllMaxAge time.Duration

	// PullAllCacheTTL is how long the first page of /sync/pull-all is cached.
	PullAllCacheTTL time.Duration

	// PruneInterval is how often entries older than remote.MaxEntryAge are deleted.
	PruneInterval time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the sync HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	now        func() time.Time

	store     remote.Store
	ownsStore bool
	pruner    *remote.Pruner
	pages     *pageCache
	firstPage *coalesce.Group[[]cardstats.RemoteEntry]

	cancel context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = DefaultStoreDSN
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.PullAllMaxLimit <= 0 {
		cfg.PullAllMaxLimit = DefaultPullAllMaxLimit
	}
	if cfg.PullAllMaxAge <= 0 {
		cfg.PullAllMaxAge = remote.MaxEntryAge
	}
	if cfg.PullAllCacheTTL <= 0 {
		cfg.PullAllCacheTTL = DefaultPullAllCacheTTL
	}

	st := cfg.Store
	ownsStore := false
	if st == nil {
		var err error
		st, err = remote.Open(cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("opening remote store: %w", err)
		}
		ownsStore = true
	}

	pruneCfg := remote.DefaultPrunerConfig()
	if cfg.PruneInterval > 0 {
		pruneCfg.Interval = cfg.PruneInterval
	}
	pruneCfg.Logger = cfg.Logger

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		store:     st,
		ownsStore: ownsStore,
		pruner:    remote.NewPruner(st, pruneCfg),
		firstPage: coalesce.New[[]cardstats.RemoteEntry](coalesce.WithLogger(cfg.Logger)),
	}
	s.pages = newPageCache(cfg.PullAllCacheTTL, func() time.Time { return s.now() })

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(requireBearer(cfg.AuthToken, cfg.Logger, mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /cache/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /sync/push", s.handlePush)
	mux.HandleFunc("POST /sync/pull", s.handlePull)
	mux.HandleFunc("GET /sync/pull-all", s.handlePullAll)
	mux.HandleFunc("GET /sync/all", s.handlePullAll)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth reports liveness and whether the store is reachable. It always
// answers 200 so load balancers can tell a degraded server from a dead one.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")

	resp := cardstats.HealthResponse{
		Status:    "ok",
		Database:  "connected",
		Timestamp: cardstats.Millis(s.now()),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		resp.Status = "warning"
		resp.Database = "disconnected"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	n, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Error("counting entries", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, cardstats.StatsResponse{
		Success: true,
		Stats: cardstats.Stats{
			TotalEntries: n,
			Timestamp:    cardstats.Millis(s.now()),
		},
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		tags := telemetry.TagsFrom(r.Context())

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.ClientVersion != "" {
			attrs = append(attrs, "client_version", tags.ClientVersion)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint, "entries", tags.Entries)
		}
		if tags.Cache != telemetry.CacheNA {
			attrs = append(attrs, "cache_result", string(tags.Cache))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start prunes old entries in the background and serves until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pruner.Start(ctx)

	s.logger.Info("starting server", "address", s.config.Address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if perr := s.pruner.Stop(ctx); perr != nil && err == nil {
		err = perr
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.ownsStore {
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
