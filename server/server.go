// Package server exposes the tracker over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"topic-tracker/pkg/forum"
	"topic-tracker/poll"
	"topic-tracker/storage"
	"topic-tracker/tracker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resyncLimit        = 6
	resyncWindow       = time.Hour
	resyncWriteTimeout = 2 * time.Minute
)

// Engine is the tracker state exposed to clients.
type Engine interface {
	Stats() tracker.Stats
	Notifications() []forum.Notification
	UnreadCount() int
	Acknowledge(ctx context.Context, id string) (bool, error)
	AcknowledgeAll(ctx context.Context) (int, error)
	Recommendations() []forum.Recommendation
	Dismiss(ctx context.Context, id int64) (bool, error)
	ClearRecommendations(ctx context.Context) (int, error)
}

// Scheduler triggers scans on demand.
type Scheduler interface {
	Running() bool
	Resume() bool
	FastScan(ctx context.Context) (tracker.ListingResult, error)
	Resync(ctx context.Context) (tracker.WalkResult, error)
	LastRun(cadence string) (poll.Status, bool)
}

// Store lists persisted blobs for the status endpoint.
type Store interface {
	Backend() string
	List(ctx context.Context) ([]storage.Blob, error)
}

// IsUnauthorized checks if an error means the forum session is not logged in.
type IsUnauthorized func(error) bool

// Server handles HTTP requests.
type Server struct {
	engine         Engine
	scheduler      Scheduler
	store          Store
	logger         *slog.Logger
	isUnauthorized IsUnauthorized
	resyncLimiter  *rateLimiter
	router         chi.Router
}

// Config holds server configuration.
type Config struct {
	Engine         Engine
	Scheduler      Scheduler
	Store          Store
	Logger         *slog.Logger
	IsUnauthorized IsUnauthorized
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isUnauthorized := cfg.IsUnauthorized
	if isUnauthorized == nil {
		isUnauthorized = func(error) bool { return false }
	}
	s := &Server{
		engine:         cfg.Engine,
		scheduler:      cfg.Scheduler,
		store:          cfg.Store,
		logger:         cfg.Logger,
		isUnauthorized: isUnauthorized,
		resyncLimiter:  newRateLimiter(resyncLimit, resyncWindow),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", s.handleNotifications)
		r.Post("/ack", s.handleAcknowledgeAll)
		r.Delete("/{id}", s.handleAcknowledge)
	})
	r.Route("/recommendations", func(r chi.Router) {
		r.Get("/", s.handleRecommendations)
		r.Post("/clear", s.handleClearRecommendations)
		r.Delete("/{id}", s.handleDismiss)
	})

	r.Post("/resync", s.handleResync)
	r.Post("/pollz", s.handlePoll)
	r.Post("/resume", s.handleResume)

	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds())
	})
}
