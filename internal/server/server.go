// Package server exposes the alert review API over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/hed1ad/txguard/internal/metrics"
	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/artifact"
	"github.com/hed1ad/txguard/pkg/pipeline"
)

// Config holds server configuration
type Config struct {
	Addr      string
	Log       zerolog.Logger
	Lifecycle *alerts.Lifecycle
	Metrics   *metrics.Metrics

	// Pipeline and Model enable POST /api/score. Without a model the
	// endpoint answers 503.
	Pipeline      *pipeline.Pipeline
	Model         *artifact.Bundle
	Contamination float64

	ListLimit     int
	DefaultSnooze time.Duration
	DevMode       bool
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	lifecycle *alerts.Lifecycle
	metrics   *metrics.Metrics
	pipeline  *pipeline.Pipeline
	model     *artifact.Bundle

	rate          float64
	listLimit     int
	defaultSnooze time.Duration
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		log:           cfg.Log.With().Str("component", "server").Logger(),
		lifecycle:     cfg.Lifecycle,
		metrics:       cfg.Metrics,
		pipeline:      cfg.Pipeline,
		model:         cfg.Model,
		rate:          cfg.Contamination,
		listLimit:     cfg.ListLimit,
		defaultSnooze: cfg.DefaultSnooze,
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.pipeline == nil {
		s.pipeline = pipeline.New(pipeline.WithLogger(cfg.Log))
	}
	if s.defaultSnooze <= 0 {
		s.defaultSnooze = time.Hour
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/metrics", s.handleMetrics)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Post("/score", s.handleScore)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleActive)
			r.Get("/all", s.handleAll)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/acknowledge", s.handleAcknowledge)
			r.Post("/{id}/snooze", s.handleSnooze)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
