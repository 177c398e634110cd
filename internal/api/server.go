// Package api serves the agent status surface: health, journal-backed
// job queries, and an SSE event stream for the watch TUI.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/journal"
)

// JournalReader is the slice of the journal the API reads.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Get(ctx context.Context, jobID string) (*journal.Entry, error)
	Events(ctx context.Context, jobID string) ([]journal.Event, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token guards everything except /healthz. Empty disables auth.
	Token     string
	AgentName string
	Version   string
}

// Server is the HTTP status server.
type Server struct {
	config     Config
	journal    JournalReader
	hub        *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	currentJob atomic.Value
}

// New creates an API server reading from jr and streaming hub events.
func New(config Config, jr JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	s := &Server{
		config:    config,
		journal:   jr,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.currentJob.Store("")
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	trackCtx, stopTracking := context.WithCancel(ctx)
	defer stopTracking()
	go s.trackCurrentJob(trackCtx)

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/api/v1/jobs", s.handleListJobs)
		r.Get("/api/v1/jobs/{jobID}", s.handleGetJob)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// trackCurrentJob follows the hub so /healthz can report what the agent
// is working on.
func (s *Server) trackCurrentJob(ctx context.Context) {
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TopicJobClaimed:
				s.currentJob.Store(ev.JobID)
			case events.TopicJobCompleted, events.TopicJobFailed:
				s.currentJob.Store("")
			}
		}
	}
}

func (s *Server) currentJobID() string {
	if v, ok := s.currentJob.Load().(string); ok {
		return v
	}
	return ""
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
