// Package web provides the HTTP server and JSON API for the migration
// service.
package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jcastellanos/migrator/internal/audit"
	"github.com/jcastellanos/migrator/internal/config"
	"github.com/jcastellanos/migrator/internal/migrate"
	"github.com/jcastellanos/migrator/internal/process"
)

// ProcessStore is the process persistence the handlers need.
type ProcessStore interface {
	Create(ctx context.Context, p *process.Process) error
	Save(ctx context.Context, p *process.Process) error
	Get(ctx context.Context, id uuid.UUID) (*process.Process, error)
	List(ctx context.Context, includeDeleted bool) ([]*process.Process, error)
}

// Runner starts and cancels migration runs.
type Runner interface {
	Run(ctx context.Context, processID uuid.UUID) (*migrate.RunResult, error)
	Cancel(processID uuid.UUID) error
}

// RunHistory reads the execution log.
type RunHistory interface {
	History(ctx context.Context, processID uuid.UUID, limit int) ([]audit.Entry, error)
}

// Server is the HTTP server for the migration API.
type Server struct {
	store   ProcessStore
	runner  Runner
	history RunHistory
	mirror  migrate.CatalogSync
	sources migrate.SourceOpener
	limiter *migrate.RunLimiter
	cfg     config.ServerConfig

	router *chi.Mux
	server *http.Server
}

// NewServer wires the API server. mirror may be nil.
func NewServer(store ProcessStore, runner Runner, history RunHistory,
	mirror migrate.CatalogSync, sources migrate.SourceOpener,
	limiter *migrate.RunLimiter, cfg config.ServerConfig) *Server {

	s := &Server{
		store:   store,
		runner:  runner,
		history: history,
		mirror:  mirror,
		sources: sources,
		limiter: limiter,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/api", func(r chi.Router) {
		// Source exploration and column helpers are bounded work; runs
		// are not, so the request timeout applies only here
		r.Group(func(r chi.Router) {
			if s.cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			}
			r.Post("/sources/containers", s.handleSourceContainers)
			r.Post("/sources/validate", s.handleSourceValidate)
			r.Post("/sources/inference", s.handleInference)

			r.Post("/columns/validate-rename", s.handleValidateRename)
		})

		// Processes
		r.Post("/processes", s.handleCreateProcess)
		r.Get("/processes", s.handleListProcesses)
		r.Route("/processes/{processID}", func(r chi.Router) {
			r.Get("/", s.handleGetProcess)
			r.Delete("/", s.handleDeleteProcess)
			r.Put("/columns", s.handleConfigureColumns)
			r.Post("/ready", s.handleMarkReady)
			r.Post("/activate", s.handleActivate)
			r.Post("/deactivate", s.handleDeactivate)
			r.Post("/run", s.handleRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/history", s.handleHistory)
		})

		// Monitoring
		r.Get("/runs/status", s.handleRunsStatus)
	})
}

// Start begins listening for HTTP requests with the configured timeouts.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds the standard hardening headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
