package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolgate/internal/container"
	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/jobs"
	"github.com/opencode-ai/toolgate/internal/lifecycle"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/tool"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:4096",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// StatusReporter reports service states.
type StatusReporter interface {
	Statuses() []container.ServiceStatus
}

// Services are the components the server exposes.
type Services struct {
	Engine     *lifecycle.Engine
	Negotiator *permission.Negotiator
	Jobs       *jobs.Registry
	Store      *policy.Store
	Catalog    *policy.Catalog
	Tools      *tool.Registry
	Bus        *event.Bus
	Status     StatusReporter
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	log     zerolog.Logger

	engine     *lifecycle.Engine
	negotiator *permission.Negotiator
	jobs       *jobs.Registry
	store      *policy.Store
	catalog    *policy.Catalog
	tools      *tool.Registry
	bus        *event.Bus
	status     StatusReporter

	// ctx outlives requests; tool calls submitted over HTTP run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg *Config, svc Services) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		log:        logging.Component("server"),
		engine:     svc.Engine,
		negotiator: svc.Negotiator,
		jobs:       svc.Jobs,
		store:      svc.Store,
		catalog:    svc.Catalog,
		tools:      svc.Tools,
		bus:        svc.Bus,
		status:     svc.Status,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through the component logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info().Str("addr", s.config.Addr).Msg("HTTP server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server and cancels the calls it
// submitted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
