package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/ratelimit"
	"training-orchestrator/internal/scheduler"
	"training-orchestrator/internal/store"
	"training-orchestrator/internal/telemetry"
)

// Lifecycle is the job transition surface the API delegates to.
type Lifecycle interface {
	Submit(ctx context.Context, kind, queue string, priority int, payload map[string]any) (models.Job, error)
	Get(ctx context.Context, jobID string) (models.Job, error)
	Cancel(ctx context.Context, jobID string) (models.Job, bool, error)
	Retry(ctx context.Context, jobID string) (models.Job, error)
	Pause(ctx context.Context, jobID string) (models.Job, error)
	Resume(ctx context.Context, jobID string) (models.Job, error)
	Progress(ctx context.Context, jobID, workerID string, detail map[string]any) (bool, error)
	RenewLease(ctx context.Context, jobID, workerID string) (bool, error)
	Complete(ctx context.Context, jobID, workerID string) (models.Job, error)
	Fail(ctx context.Context, jobID, workerID, msg, kind string) (models.Job, error)
}

// Dispatcher issues leases and reports scheduling status.
type Dispatcher interface {
	ClaimNext(ctx context.Context, workerID string, queues []string) (*models.Job, error)
	Status(ctx context.Context) (scheduler.Status, error)
}

// Registry records worker heartbeats.
type Registry interface {
	Heartbeat(ctx context.Context, id, hostname string) error
}

// Reader serves job listings and event logs.
type Reader interface {
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// Server wires the orchestrator's HTTP surface.
type Server struct {
	lifecycle  Lifecycle
	dispatcher Dispatcher
	registry   Registry
	reader     Reader
	limiter    *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(lc Lifecycle, d Dispatcher, reg Registry, rd Reader, limiter *ratelimit.TokenBucket) *Server {
	return &Server{lifecycle: lc, dispatcher: d, registry: reg, reader: rd, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/training", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Post("/jobs/{id}/pause", s.handlePause)
		r.Post("/jobs/{id}/resume", s.handleResume)
		r.Post("/jobs/{id}/lease", s.handleLease)
		r.Post("/jobs/{id}/progress", s.handleProgress)
		r.Post("/jobs/{id}/complete", s.handleComplete)
		r.Post("/jobs/{id}/fail", s.handleFail)
		r.Get("/scheduler", s.handleSchedulerStatus)
	})

	r.Post("/workers/{id}/heartbeat", s.handleWorkerHeartbeat)
	r.Post("/workers/{id}/claim", s.handleWorkerClaim)

	return r
}

type submitRequest struct {
	Kind     string         `json:"kind"`
	Queue    string         `json:"queue"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "validation", "kind is required")
		return
	}

	if s.limiter != nil {
		key := fmt.Sprintf("rl:%s", clientFromRequest(r))
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err == nil && !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "submission rate exceeded")
			return
		}
	}

	job, err := s.lifecycle.Submit(r.Context(), req.Kind, req.Queue, req.Priority, req.Payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.reader.ListJobs(r.Context(), 100)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.reader.ListEvents(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		models.Job
		Events []models.JobEvent `json:"events"`
	}{Job: job, Events: events})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, _, err := s.lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.lifecycle.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	job, err := s.lifecycle.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	job, err := s.lifecycle.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type workerRequest struct {
	WorkerID string         `json:"worker_id"`
	Detail   map[string]any `json:"detail"`
	Error    string         `json:"error"`
	Kind     string         `json:"kind"`
}

func decodeWorkerRequest(w http.ResponseWriter, r *http.Request) (workerRequest, bool) {
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json")
		return req, false
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "validation", "worker_id is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	cancelRequested, err := s.lifecycle.RenewLease(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancel_requested": cancelRequested})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	cancelRequested, err := s.lifecycle.Progress(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Detail)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancel_requested": cancelRequested})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	job, err := s.lifecycle.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	telemetry.JobsCompleted.Inc()
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkerRequest(w, r)
	if !ok {
		return
	}
	job, err := s.lifecycle.Fail(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Error, req.Kind)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	telemetry.JobsFailed.Inc()
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.Status(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Hostname string `json:"hostname"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.registry.Heartbeat(r.Context(), id, body.Hostname); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	Queues []string `json:"queues"`
	Queue  string   `json:"queue"`
}

func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req claimRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	queues := req.Queues
	if len(queues) == 0 && req.Queue != "" {
		queues = []string{req.Queue}
	}

	job, err := s.dispatcher.ClaimNext(r.Context(), workerID, queues)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

// writeStoreError maps store sentinels onto the error body contract.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "transient", "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "kind": kind})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
