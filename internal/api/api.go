// Package api serves CourtPipe's HTTP surface: the Twilio webhook, a health check and
// read-only views of the booking ledger.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server holds the HTTP router and its dependencies.
type Server struct {
	manager *booking.Manager
	twilio  http.HandlerFunc
	checks  map[string]HealthCheck
	router  chi.Router
	srv     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTwilioWebhook mounts h at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(s *Server) { s.twilio = h }
}

// WithHealthCheck adds a named check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer builds the router.
func NewServer(manager *booking.Manager, opts ...Option) *Server {
	s := &Server{manager: manager, checks: make(map[string]HealthCheck)}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)
	if s.twilio != nil {
		r.Post("/webhook/twilio", s.twilio)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/pending", s.pendingHandler)
		r.Get("/stats", s.statsHandler)
		r.Get("/bookings/{reference}", s.bookingHandler)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background. Listen errors other than a clean shutdown
// are sent on the returned channel.
func (s *Server) Start(addr string) <-chan error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}
