// Package ingress exposes the engine over HTTP: webhook event intake,
// manual triggers, execution queries and a server-sent event stream.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// Engine is the part of *engine.Engine the ingress serves.
type Engine interface {
	SubmitWithInfo(ctx context.Context, ev schema.Event) ([]*engine.ExecutionHandle, ratelimit.Info, error)
	Cancel(ctx context.Context, id string) error
	Workflow(name string) (*schema.Workflow, bool)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ExecutionLogs(ctx context.Context, id string) ([]*store.ExecutionLog, error)
	GetStatus() engine.Status
	GetMetrics() metrics.Snapshot
	GetHistory(limit, offset int) []store.Execution
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// Request headers.
const (
	HeaderAPIKey  = "X-Api-Key"
	HeaderTier    = "X-Hookflow-Tier"
	HeaderSubject = "X-Hookflow-Subject"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TrustTierHeader honors X-Hookflow-Tier and X-Hookflow-Subject.
	TrustTierHeader bool
	// APIKeys maps an X-Api-Key value to the tier it grants.
	APIKeys map[string]string
	// MaxBodyBytes bounds request bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// MaxWait caps the wait query parameter of submissions.
	MaxWait time.Duration
}

const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultMaxWait      = 30 * time.Second
)

// Server is the HTTP ingress.
type Server struct {
	http.Server
	cfg    Config
	engine Engine
	logger *slog.Logger
	router *mux.Router

	// closing ends open event streams on Stop.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, e Engine, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	s := &Server{
		Server: http.Server{
			Addr:        cfg.Addr,
			ReadTimeout: cfg.ReadTimeout,
			// The event stream is long-lived; handlers that need a bound set it themselves.
			WriteTimeout: 0,
		},
		cfg:     cfg,
		engine:  e,
		logger:  logging.OrDiscard(logger),
		closing: make(chan struct{}),
	}
	s.router = s.routes()
	s.Handler = s.router
	return s
}

// Mount serves h for every path under prefix. Must be called before Start.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.router.PathPrefix(prefix).Handler(h)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, schema.ErrCodeNotFound, "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", s.bounded(s.handleSubmit)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{name}/trigger", s.bounded(s.handleTrigger)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{name}/diagram", s.bounded(s.handleDiagram)).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", s.bounded(s.handleGetExecution)).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/cancel", s.bounded(s.handleCancel)).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.bounded(s.handleStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.bounded(s.handleMetrics)).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.bounded(s.handleHistory)).Methods(http.MethodGet)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.Use(s.recoverMiddleware, s.loggingMiddleware)
	return r
}

// bounded applies the configured write timeout to a non-streaming handler.
func (s *Server) bounded(h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.WriteTimeout <= 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WriteTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http ingress", "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes event streams and drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http ingress")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("http handler panic", "path", r.URL.Path, "panic", v)
				writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
