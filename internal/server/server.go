package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/drallgood/course-progress-sync/internal/api"
	"github.com/drallgood/course-progress-sync/internal/auth"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/viewer"
)

// Options configures the HTTP server
type Options struct {
	Addr string
	// FallbackToken is used for requests that carry no bearer token
	FallbackToken string
	DashboardTTL  time.Duration
}

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	sessions    *viewer.Manager
	apiHandler  *api.Handler
	dashboard   *api.Dashboard
	unsubscribe func()
	logger      *logger.Logger
}

// New creates the HTTP server of the viewing sessions API
func New(opts Options, sessions *viewer.Manager, bus *events.Bus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	dashboard := api.NewDashboard(opts.DashboardTTL, log)

	s := &Server{
		server: &http.Server{
			Addr: opts.Addr,
		},
		sessions:    sessions,
		apiHandler:  api.NewHandler(sessions, bus, dashboard, log),
		dashboard:   dashboard,
		unsubscribe: dashboard.Subscribe(bus),
		logger:      log.Component("server"),
	}

	handler := http.NewServeMux()

	// Health check
	handler.HandleFunc("GET /healthz", s.handleHealthCheck)

	// Viewing sessions
	handler.HandleFunc("POST /api/sessions", s.apiHandler.CreateSession)
	handler.HandleFunc("GET /api/sessions/{id}", s.apiHandler.GetSession)
	handler.HandleFunc("DELETE /api/sessions/{id}", s.apiHandler.CloseSession)
	handler.HandleFunc("POST /api/sessions/{id}/events", s.apiHandler.PlayerEvent)
	handler.HandleFunc("POST /api/sessions/{id}/select", s.apiHandler.SelectContent)
	handler.HandleFunc("POST /api/sessions/{id}/modules/{index}/toggle", s.apiHandler.ToggleModule)
	handler.HandleFunc("POST /api/sessions/{id}/complete", s.apiHandler.ToggleComplete)

	// Course level views
	handler.HandleFunc("POST /api/courses/{courseId}/refresh", s.apiHandler.RefreshCourse)
	handler.HandleFunc("GET /api/courses/{courseId}/dashboard", s.apiHandler.GetDashboard)

	// Add middleware chain: CORS -> Auth -> Logger
	authMiddleware := auth.NewMiddleware(auth.DefaultCookieName, opts.FallbackToken)
	var finalHandler http.Handler = handler
	finalHandler = authMiddleware.Bearer(finalHandler)
	finalHandler = auth.CORSMiddleware(finalHandler)
	finalHandler = logger.HTTPMiddleware(finalHandler)
	s.server.Handler = finalHandler

	// Set timeouts
	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Dashboard returns the course summaries kept by the server
func (s *Server) Dashboard() *api.Dashboard {
	return s.dashboard
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then closes every session so pending
// progress gets its final flush
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	err := s.server.Shutdown(ctx)

	s.sessions.CloseAll(ctx)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return err
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessions.Len())
}
