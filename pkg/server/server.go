// Package server exposes the engine over HTTP for operator tooling and
// the CLI. Worker agents use the unix-socket facade instead; this surface
// carries intake, admin verbs, queries, and the metrics endpoint.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address, host:port.
	Addr string

	// Logger receives request logs. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Telemetry serves /metrics when set.
	Telemetry *telemetry.Telemetry

	// Version is reported by /healthz.
	Version string

	// CORSOrigins lists allowed origins. Empty allows any origin.
	CORSOrigins []string
}

// Server is the HTTP facade over one engine.
type Server struct {
	eng     *engine.Engine
	logger  zerolog.Logger
	tel     *telemetry.Telemetry
	version string
	origins []string

	http *http.Server
}

// NewServer builds the HTTP facade. Call ListenAndServe to start it, or
// mount Handler in a test server.
func NewServer(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		eng:     eng,
		logger:  opts.Logger,
		tel:     opts.Telemetry,
		version: opts.Version,
		origins: opts.CORSOrigins,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully assembled handler: routes wrapped in CORS and
// h2c so gRPC-style HTTP/2 clients work without TLS.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return h2c.NewHandler(c.Handler(s.routes()), &http2.Server{})
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests. The context becomes the base context of every request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http.BaseContext = func(_ net.Listener) context.Context { return ctx }

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info().Str("addr", s.http.Addr).Msg("http facade listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.tel != nil {
		r.Method(http.MethodGet, "/metrics", s.tel.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/tasks", func(tasks chi.Router) {
			tasks.Post("/", s.handleCreateTask)
			tasks.Get("/", s.handleListTasks)
			tasks.Route("/{task_id}", func(task chi.Router) {
				task.Get("/", s.handleGetTask)
				task.Post("/state", s.handleUpdateState)
				task.Post("/renew", s.handleRenewLease)
				task.Post("/submit", s.handleSubmit)
				task.Get("/packet", s.handleGetPacket)
				task.Post("/review", s.handleReviewDecision)
				task.Post("/block", s.handleBlock)
				task.Post("/requeue", s.handleRequeue)
				task.Post("/unblock", s.handleUnblock)
				task.Post("/cancel", s.handleCancel)
				task.Post("/justify", s.handleJustify)
				task.Get("/gate", s.handleCheckGate)
				task.Get("/dependencies", s.handleDependencies)
			})
		})

		api.Post("/claims", s.handleClaim)
		api.Get("/reviews", s.handleReviewQueue)
		api.Get("/deadletter", s.handleDeadLetter)
		api.Get("/ledger", s.handleLedger)
		api.Get("/dag", s.handleDAG)

		api.Post("/workers/heartbeat", s.handleHeartbeat)
		api.Get("/workers", s.handleListWorkers)

		api.Post("/sweeps/leases", s.handleSweepLeases)
		api.Post("/sweeps/blocked", s.handleSweepBlocked)
		api.Post("/sweeps/workers", s.handleSweepWorkers)
	})

	return r
}

// requestLogger logs one line per request with status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		evt := s.logger.Info()
		if ww.Status() >= http.StatusInternalServerError {
			evt = s.logger.Error()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
