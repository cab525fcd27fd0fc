package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/pipeline"
	"insight-pipeline/internal/queue"
	"insight-pipeline/internal/ratelimit"
	"insight-pipeline/internal/store"
	"insight-pipeline/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Producer is the queue surface the API exposes.
type Producer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Pipelines resolves pipelines for manual runs and stores their schedules.
type Pipelines interface {
	GetPipeline(ctx context.Context, id string) (models.Pipeline, error)
	SetSchedule(ctx context.Context, id, schedule string, next *time.Time) error
}

// Limiter throttles producers per workspace.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// UsageReader reports the current billing period's usage.
type UsageReader interface {
	CurrentUsage(ctx context.Context, workspaceID string) (map[string]int64, error)
}

// Deps are the server's collaborators. Pipelines, Limiter and Usage are optional; the
// routes that need a missing one answer 501.
type Deps struct {
	Producer  Producer
	Pipelines Pipelines
	Limiter   Limiter
	Usage     UsageReader
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// New constructs the API server.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Server{deps: deps, log: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/jobs", s.handleEnqueue)
		r.Post("/pipelines/{id}/run", s.handleRunPipeline)
		r.Put("/pipelines/{id}/schedule", s.handleSchedulePipeline)
	})
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/queue/stats", s.handleStats)
	r.Get("/usage", s.handleUsage)
	return r
}

type enqueueRequest struct {
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	RunAt        *time.Time      `json:"run_at"`
	DelaySeconds int             `json:"delay_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.MaxAttempts < 0 || req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts and delay_seconds must not be negative")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	job, err := s.deps.Producer.Enqueue(r.Context(), req.Name, payload, queue.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: runAt(req.RunAt, req.DelaySeconds),
	})
	if err != nil {
		s.log.Error("enqueue failed", "job_name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func runAt(at *time.Time, delaySeconds int) time.Time {
	if delaySeconds > 0 {
		return time.Now().Add(time.Duration(delaySeconds) * time.Second)
	}
	if at != nil {
		return *at
	}
	return time.Time{}
}

type runPipelineRequest struct {
	Priority int        `json:"priority"`
	RunAt    *time.Time `json:"run_at"`
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipelines == nil {
		writeError(w, http.StatusNotImplemented, "pipelines are not configured")
		return
	}
	var req runPipelineRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	workspace := workspaceFromRequest(r)
	pl, err := s.deps.Pipelines.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && pl.WorkspaceID != workspace) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.log.Error("load pipeline", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load pipeline")
		return
	}

	job, err := s.deps.Producer.Enqueue(r.Context(), pipeline.JobName,
		pipeline.Payload{PipelineID: pl.ID, WorkspaceID: workspace},
		queue.EnqueueOptions{Priority: req.Priority, ScheduledAt: runAt(req.RunAt, 0)})
	if err != nil {
		s.log.Error("enqueue pipeline run", "pipeline_id", pl.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type scheduleRequest struct {
	Schedule string `json:"schedule"`
}

func (s *Server) handleSchedulePipeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipelines == nil {
		writeError(w, http.StatusNotImplemented, "pipelines are not configured")
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := pipeline.ValidateSchedule(req.Schedule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	pl, err := pipeline.Schedule(r.Context(), s.deps.Pipelines, s.deps.Producer, id, workspaceFromRequest(r), req.Schedule, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, pipeline.ErrWorkspaceMismatch):
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	case err != nil:
		s.log.Error("schedule pipeline", "pipeline_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule pipeline")
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Producer.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Producer.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		writeError(w, http.StatusNotImplemented, "usage metering is not configured")
		return
	}
	workspace := workspaceFromRequest(r)
	usage, err := s.deps.Usage.CurrentUsage(r.Context(), workspace)
	if err != nil {
		s.log.Error("read usage", "workspace_id", workspace, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace_id": workspace, "usage": usage})
}

// rateLimit spends one token of the caller's workspace bucket per request.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.deps.Limiter.Allow(r.Context(), ratelimit.Key(workspaceFromRequest(r)))
		if err != nil {
			s.log.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func workspaceFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Workspace-ID")); v != "" {
		return v
	}
	return "default"
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
