// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/coordinator"
	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/metrics"
	"github.com/sitequest/sitequest/internal/progress"
	"github.com/sitequest/sitequest/internal/webhook"
)

// Config controls the HTTP surface.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Limits         Limits
}

// Deps are the server's collaborators. Webhooks and HTTPMetrics are
// optional.
type Deps struct {
	Registry    *coordinator.Registry
	Queue       crawler.JobQueue
	Emitter     progress.Emitter
	Webhooks    *webhook.Dispatcher
	IDGen       crawler.IDGenerator
	Clock       crawler.Clock
	Logger      *zap.Logger
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTP
}

// Server wires HTTP handlers to the registry and the job queue.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/crawl", s.submitCrawl)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/decisions", s.getDecisions)
			r.Post("/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.deps.IDGen.NewID()
	if err != nil {
		s.logger.Error("job id generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	sub := crawler.Submission{
		JobID:     jobID,
		SeedURL:   req.URL,
		Objective: req.Objective,
		Config:    req.toJobConfig(s.cfg.Limits),
		Submitted: s.deps.Clock.Now().Unix(),
	}
	if req.Webhook != nil {
		sub.Webhook = &crawler.WebhookConfig{
			URL:    req.Webhook.URL,
			Events: req.Webhook.Events,
		}
	}

	coord, err := coordinator.New(sub, s.deps.Emitter, s.deps.Clock, s.logger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Registry.Add(coord)
	if s.deps.Webhooks != nil && sub.Webhook != nil {
		s.deps.Webhooks.Register(jobID, *sub.Webhook)
	}

	if err := s.deps.Queue.Enqueue(r.Context(), sub); err != nil {
		s.deps.Registry.Remove(jobID)
		if s.deps.Webhooks != nil {
			s.deps.Webhooks.Unregister(jobID)
		}
		s.logger.Error("job enqueue failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job intake unavailable")
		return
	}

	s.logger.Info("job accepted",
		zap.String("job_id", jobID),
		zap.String("url", req.URL),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(crawler.JobStatusRunning),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.deps.Registry.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, coord.Snapshot())
}

func (s *Server) getDecisions(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.deps.Registry.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	decisions := coord.Decisions()
	if decisions == nil {
		decisions = []crawler.Decision{}
	}
	patterns := coord.Patterns()
	if patterns == nil {
		patterns = []crawler.DiscoveredPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    coord.ID(),
		"decisions": decisions,
		"patterns":  patterns,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.deps.Registry.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	coord.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": coord.ID(),
		"status": string(coord.Snapshot().Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
