package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/dragnet/internal/audit"
	"grimm.is/dragnet/internal/clock"
	"grimm.is/dragnet/internal/engine"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// ServerConfig controls the HTTP listener and its protective limits.
type ServerConfig struct {
	Listen            string        `json:"listen"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	MaxHeaderBytes    int           `json:"max_header_bytes"`
	MaxBodyBytes      int64         `json:"max_body_bytes"`
}

// DefaultServerConfig returns hardened listener limits on a loopback bind.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:            "127.0.0.1:9380",
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16, // 64KB for headers
		MaxBodyBytes:      1 << 20, // 1MB: rule publishes are the only sizable bodies
	}
}

// Server is the read-mostly HTTP surface: status, stats, flow snapshots,
// rule management, Prometheus metrics and a websocket event stream. The
// control socket stays the authoritative admin channel; this listener binds
// to loopback unless configured otherwise.
type Server struct {
	cfg     ServerConfig
	eng     *engine.Engine
	audit   *audit.Store
	version string
	logger  *logging.Logger
	router  *mux.Router

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	stopCh   chan struct{}
	stopped  bool

	wsWG sync.WaitGroup
}

// NewServer wires the API around an engine. auditStore may be nil, which
// disables publish history and the audit endpoint.
func NewServer(cfg ServerConfig, eng *engine.Engine, auditStore *audit.Store, version string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	def := DefaultServerConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	s := &Server{
		cfg:     cfg,
		eng:     eng,
		audit:   auditStore,
		version: version,
		logger:  logger.WithComponent("api"),
		stopCh:  make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, s.maxBodyMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/flows", s.handleFlows).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.handleRulesGet).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.handleRulesPost).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start binds synchronously so the caller sees port conflicts immediately,
// then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "binding API listener on %s", s.cfg.Listen)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("API server failed")
		}
	}()

	s.logger.Info("API listening", "addr", ln.Addr().String())
	return nil
}

// Addr reports the bound address, useful when Listen asked for port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down gracefully and disconnects event stream
// clients. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("API shutdown timed out")
	}

	// Shutdown does not wait for hijacked connections; the event stream
	// handlers exit on stopCh.
	done := make(chan struct{})
	go func() {
		s.wsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Event stream clients did not disconnect in time")
	}

	s.logger.Info("API stopped")
}

// loggingMiddleware logs every request except metrics scrapes.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" {
			return
		}
		log := s.logger.Info
		if wrapped.statusCode >= 400 {
			log = s.logger.Warn
		}
		if wrapped.statusCode >= 500 {
			log = s.logger.Error
		}
		log("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// maxBodyMiddleware limits request body sizes to prevent memory exhaustion.
func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Check Content-Length first (fast path)
		if r.ContentLength > s.cfg.MaxBodyBytes {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Flusher for streaming responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Implement http.Hijacker for websocket support
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}
