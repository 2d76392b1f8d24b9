// Package api exposes the HTTP surface: submissions, job polling, SSE
// progress streams, report retrieval, and privileged deletion.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/metrics"
	"github.com/7and1/thedoorpost/internal/progress"
	"github.com/7and1/thedoorpost/internal/safeurl"
)

// Config carries the HTTP-level knobs.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
	AdminAPIKey    string
	AllowedOrigins []string
	IPPerMinute    int
	EmailPerMinute int
}

// Aggregator serves the public leaderboard and mistake-tally reads.
type Aggregator interface {
	Best(ctx context.Context) ([]analyzer.BestReport, error)
	CommonMistakes(ctx context.Context) ([]analyzer.MistakeCount, error)
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Jobs       analyzer.JobStore
	Reports    analyzer.ReportStore
	Aggregates Aggregator
	Queue      analyzer.Queue
	Limiter    analyzer.RateLimiter
	Verifier   analyzer.Verifier
	Validator  *safeurl.Validator
	Streamer   *progress.Streamer
	IDs        analyzer.IDGenerator
	Clock      analyzer.Clock
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Health     Health
}

// Server holds the router and its collaborators.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	router chi.Router
}

// New builds the router with the standard middleware stack.
func New(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.IPPerMinute <= 0 {
		cfg.IPPerMinute = 10
	}
	if cfg.EmailPerMinute <= 0 {
		cfg.EmailPerMinute = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.checkOrigin)
		r.Use(s.requireAPIKey)

		// The stream endpoint manages its own deadline; the request
		// timeout middleware would cut long polls short.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Post("/analyze", s.handleAnalyze)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/reports/{id}", s.handleGetReport)
			r.Get("/aggregate/best", s.handleAggregateBest)
			r.Get("/aggregate/common-mistakes", s.handleAggregateMistakes)
		})
		r.Get("/jobs/{id}/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Use(s.requireAdminKey)
			r.Delete("/reports/{id}", s.handleDeleteReport)
			r.Delete("/users/{email}/reports", s.handleDeleteUserReports)
		})
	})

	s.router = r
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
