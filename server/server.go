// Package server exposes the genq job queue over HTTP: admin switches,
// job submission and inspection, worker health, Prometheus metrics, and a
// websocket stream of change-feed events.
package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/genq/coordinator"
	"github.com/teranos/genq/feed"
	"github.com/teranos/genq/queue"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// Worker is the coordinator running in this process, if any.
type Worker interface {
	Status() coordinator.Status
	Cancel(jobID string) bool
}

// Secrets are the bearer tokens for the admin endpoints. An empty secret
// disables its endpoints (500).
type Secrets struct {
	PriorityLock string
	Maintenance  string
}

// Server serves the genq HTTP API.
type Server struct {
	store          queue.Store
	worker         Worker
	feed           feed.Subscriber
	logger         *zap.SugaredLogger
	now            func() time.Time
	startedAt      time.Time
	allowedOrigins []string

	secrets atomic.Pointer[Secrets]

	mu      sync.RWMutex
	clients map[*Client]bool
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithWorker reports the local coordinator on /health and lets admin
// cancellation stop its running job immediately.
func WithWorker(w Worker) Option {
	return func(s *Server) { s.worker = w }
}

// WithFeed streams change events to /ws/events clients.
func WithFeed(sub feed.Subscriber) Option {
	return func(s *Server) { s.feed = sub }
}

// WithSecrets sets the admin bearer tokens.
func WithSecrets(sec Secrets) Option {
	return func(s *Server) { s.secrets.Store(&sec) }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithAllowedOrigins restricts websocket origins by prefix. Requests
// without an Origin header are always accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New creates a server over store.
func New(store queue.Store, opts ...Option) *Server {
	s := &Server{
		store:   store,
		logger:  zap.NewNop().Sugar(),
		now:     time.Now,
		clients: make(map[*Client]bool),
	}
	s.secrets.Store(&Secrets{})
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	return s
}

// SetSecrets replaces the admin tokens; used on config reload.
func (s *Server) SetSecrets(sec Secrets) {
	s.secrets.Store(&sec)
}

func (s *Server) priorityLockSecret() string { return s.secrets.Load().PriorityLock }
func (s *Server) maintenanceSecret() string  { return s.secrets.Load().Maintenance }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	lockAuth := requireBearer(s.priorityLockSecret, "SECRET_KEY not configured", "Invalid secret key")
	adminAuth := requireBearer(s.maintenanceSecret, "Admin endpoint not configured", "Invalid admin secret")

	// Public
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/maintenance-status", s.handleMaintenanceStatus)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/queue", s.handleQueue)
	r.Get("/ws/events", s.handleEvents)

	// Admin
	r.With(lockAuth).Post("/admin/priority-lock", s.handleSetPriorityLock)
	r.With(lockAuth).Get("/admin/priority-lock", s.handleGetPriorityLock)
	r.With(adminAuth).Post("/admin/maintenance", s.handleSetMaintenance)
	r.With(adminAuth).Get("/queue/log", s.handleQueueLog)
	r.With(adminAuth).Delete("/jobs/{id}", s.handleCancelJob)

	return r
}
