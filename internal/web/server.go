// Package web provides the HTTP API for bulk account operations and imports.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/accountops/internal/config"
	"github.com/JonMunkholm/accountops/internal/core"
	"github.com/JonMunkholm/accountops/internal/metrics"
	mw "github.com/JonMunkholm/accountops/internal/web/middleware"
)

// maxJSONBody bounds JSON request bodies; target lists are the largest.
const maxJSONBody = 4 << 20

// ReportSource loads published reports.
type ReportSource interface {
	Get(ctx context.Context, id string) (core.Report, error)
}

// AuditLister lists recent audit entries.
type AuditLister interface {
	RecentAudit(ctx context.Context, limit int) ([]core.AuditEntry, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the optional collaborators of a Server.
type Deps struct {
	Reports ReportSource
	Audit   AuditLister
	Metrics *metrics.Metrics
	Checks  map[string]HealthCheck
}

// Server is the HTTP server for the account operations API.
type Server struct {
	service *core.Service
	cfg     *config.Config
	deps    Deps
	router  *chi.Mux
	server  *http.Server

	limiters []*mw.RateLimiter
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		deps:    deps,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.Middleware)
	}
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newRateLimiter(s.cfg.Rate.RequestsPerMinute).Middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil && s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(&s.cfg.Security))
		r.Use(withRequestMeta)

		// Progress streams stay open for the whole run, so they sit
		// outside the request timeout.
		r.Get("/bulk/{jobID}/events", s.handleBulkEvents)
		r.Get("/imports/{importID}/events", s.handleImportEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			r.Get("/operations", s.handleListOperations)

			// Bulk operations
			r.Post("/bulk", s.handleStartBulk)
			r.Get("/bulk/{jobID}", s.handleBulkStatus)
			r.Get("/bulk/{jobID}/runs/{runID}", s.handleBulkRun)
			r.Post("/bulk/{jobID}/cancel", s.handleCancelBulk)
			r.Post("/bulk/{jobID}/retry", s.handleRetryBulk)
			r.Get("/bulk/{jobID}/results", s.handleBulkResults)
			r.Get("/bulk/{jobID}/clipboard", s.handleBulkClipboard)
			r.Get("/bulk/{jobID}/report", s.handleBulkReport)

			// Imports
			r.Get("/imports/targets", s.handleImportTargets)
			r.Post("/imports", s.handleCreateImport)
			r.Get("/imports/{importID}", s.handleImportState)
			r.With(s.uploadLimit()).Post("/imports/{importID}/preview", s.handleImportPreview)
			r.Put("/imports/{importID}/options", s.handleImportOptions)
			r.Post("/imports/{importID}/validate", s.handleImportValidate)
			r.Post("/imports/{importID}/commit", s.handleImportCommit)
			r.Post("/imports/{importID}/cancel", s.handleImportCancel)
			r.Post("/imports/{importID}/back", s.handleImportBack)
			r.Get("/imports/{importID}/clipboard", s.handleImportClipboard)
			r.Get("/imports/{importID}/report", s.handleImportReport)

			// Exported reports and audit
			r.Get("/reports/{reportID}", s.handleGetReport)
			r.Get("/audit", s.handleAuditLog)
		})
	})
}

// uploadLimit applies the stricter per-IP limit to file uploads.
func (s *Server) uploadLimit() func(http.Handler) http.Handler {
	if !s.cfg.Rate.Enabled || s.cfg.Rate.UploadLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.newRateLimiter(s.cfg.Rate.UploadLimit).Middleware
}

func (s *Server) newRateLimiter(perMinute int) *mw.RateLimiter {
	rl := mw.NewRateLimiter(perMinute, time.Minute)
	s.limiters = append(s.limiters, rl)
	return rl
}

// Start begins listening for HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	for _, rl := range s.limiters {
		go rl.RunCleanup(ctx)
	}

	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  s.cfg.Server.IdleTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	slog.Info("server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Encoding errors are only logged since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidRequest, err)
	}
	return nil
}
