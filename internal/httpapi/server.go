// Package httpapi serves the coordinator's read-only status API: health,
// Prometheus metrics, jobs, workers and the archive, as JSON over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/stealq/internal/archive"
	"github.com/ChuLiYu/stealq/internal/jobmanager"
	"github.com/ChuLiYu/stealq/internal/metrics"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// Source is the coordinator state the API reads.
type Source interface {
	Jobs(f jobmanager.Filter) []*types.Job
	Job(ctx context.Context, id types.JobID) (*types.Job, error)
	Workers() []types.WorkerInfo
	Stats() map[string]int
}

// Archive lists jobs removed from coordinator memory.
type Archive interface {
	List(ctx context.Context, opts archive.ListOptions) ([]*types.Job, error)
	Count(ctx context.Context) (int, error)
}

// Server is the status API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	src       Source
	archive   Archive
	gatherer  prometheus.Gatherer
	metrics   bool
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithArchive enables /api/v1/archive.
func WithArchive(a Archive) Option {
	return func(s *Server) {
		s.archive = a
	}
}

// WithMetrics serves g on /metrics. A nil gatherer uses the default
// Prometheus registry.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
		s.metrics = true
	}
}

// New creates a Server with all routes registered.
func New(src Source, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "httpapi"),
		src:       src,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.metrics {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Get("/{id}", s.handleGetWorker)
		})

		r.Get("/archive", s.handleListArchive)
	})
}

// ============================================================================
// Handlers
// ============================================================================

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Workers int    `json:"workers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, healthResponse{
		Status:  "healthy",
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Workers: len(s.src.Workers()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, s.src.Stats())
}

// GET /api/v1/jobs?status=pending,running&worker=w1&limit=20
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	jobs := s.src.Jobs(jobmanager.Filter{
		Statuses: statuses,
		WorkerID: r.URL.Query().Get("worker"),
		Limit:    limit,
	})
	if jobs == nil {
		jobs = []*types.Job{}
	}
	respondOK(w, r, jobs)
}

// GET /api/v1/jobs/{id}; archived jobs are included
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.src.Job(r.Context(), id)
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		respondError(w, r, http.StatusNotFound, "job "+id.String()+" not found")
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, r, job)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, s.src.Workers())
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, wk := range s.src.Workers() {
		if wk.ID == id {
			respondOK(w, r, wk)
			return
		}
	}
	respondError(w, r, http.StatusNotFound, "worker "+id+" not found")
}

type archiveResponse struct {
	Total int          `json:"total"`
	Jobs  []*types.Job `json:"jobs"`
}

// GET /api/v1/archive?status=finished&limit=50
func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, r, http.StatusNotFound, "archive disabled")
		return
	}
	opts := archive.ListOptions{Status: types.JobStatus(r.URL.Query().Get("status"))}
	if opts.Status != "" && !opts.Status.IsValid() {
		respondError(w, r, http.StatusBadRequest, "invalid status "+string(opts.Status))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	opts.Limit = limit

	jobs, err := s.archive.List(r.Context(), opts)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.archive.Count(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	respondOK(w, r, archiveResponse{Total: total, Jobs: jobs})
}

func parseStatuses(raw string) ([]types.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []types.JobStatus
	for _, part := range strings.Split(raw, ",") {
		st := types.JobStatus(strings.TrimSpace(part))
		if !st.IsValid() {
			return nil, errors.New("invalid status " + string(st))
		}
		out = append(out, st)
	}
	return out, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit " + raw)
	}
	return n, nil
}
