package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/scheduler"
	"training-orchestrator/internal/store"
)

type fakeLifecycle struct {
	jobs map[string]models.Job
}

func (f *fakeLifecycle) Submit(_ context.Context, kind, queue string, priority int, payload map[string]any) (models.Job, error) {
	if queue == "" {
		queue = "default"
	}
	job := models.Job{ID: "job-1", Kind: kind, Queue: queue, Priority: priority, Payload: payload, Status: models.StatusPending}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeLifecycle) Get(_ context.Context, jobID string) (models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return job, nil
}

func (f *fakeLifecycle) Cancel(_ context.Context, jobID string) (models.Job, bool, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return models.Job{}, false, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if models.IsTerminal(job.Status) {
		return job, false, nil
	}
	job.Status = models.StatusCancelled
	f.jobs[jobID] = job
	return job, true, nil
}

func (f *fakeLifecycle) Retry(_ context.Context, jobID string) (models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if job.Status != models.StatusFailed && job.Status != models.StatusCancelled {
		return models.Job{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, store.ErrConflict)
	}
	job.Status = models.StatusPending
	f.jobs[jobID] = job
	return job, nil
}

func (f *fakeLifecycle) Pause(_ context.Context, jobID string) (models.Job, error) {
	return f.jobs[jobID], nil
}

func (f *fakeLifecycle) Resume(_ context.Context, jobID string) (models.Job, error) {
	return f.jobs[jobID], nil
}

func (f *fakeLifecycle) Progress(_ context.Context, jobID, workerID string, _ map[string]any) (bool, error) {
	job := f.jobs[jobID]
	return job.CancelRequested, nil
}

func (f *fakeLifecycle) RenewLease(_ context.Context, jobID, _ string) (bool, error) {
	job := f.jobs[jobID]
	return job.CancelRequested, nil
}

func (f *fakeLifecycle) Complete(_ context.Context, jobID, _ string) (models.Job, error) {
	job := f.jobs[jobID]
	job.Status = models.StatusDone
	f.jobs[jobID] = job
	return job, nil
}

func (f *fakeLifecycle) Fail(_ context.Context, jobID, _, msg, _ string) (models.Job, error) {
	job := f.jobs[jobID]
	job.Status = models.StatusFailed
	job.Error = &msg
	f.jobs[jobID] = job
	return job, nil
}

type fakeDispatcher struct {
	job *models.Job
}

func (f *fakeDispatcher) ClaimNext(context.Context, string, []string) (*models.Job, error) {
	return f.job, nil
}

func (f *fakeDispatcher) Status(context.Context) (scheduler.Status, error) {
	return scheduler.Status{
		Running: 1, Pending: 2, WorkersActive: 1, CapacityPct: 25,
		Queues: map[string]scheduler.QueueStatus{"default": {Running: 1, Pending: 2, Cap: 4}},
	}, nil
}

type fakeRegistry struct {
	beats []string
}

func (f *fakeRegistry) Heartbeat(_ context.Context, id, _ string) error {
	f.beats = append(f.beats, id)
	return nil
}

type fakeReader struct {
	lc *fakeLifecycle
}

func (f *fakeReader) ListJobs(context.Context, int) ([]models.Job, error) {
	out := make([]models.Job, 0, len(f.lc.jobs))
	for _, j := range f.lc.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeReader) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	return []models.JobEvent{{ID: 1, JobID: jobID, Event: map[string]any{"type": "submitted"}}}, nil
}

func newTestServer() (*Server, *fakeLifecycle, *fakeDispatcher, *fakeRegistry) {
	lc := &fakeLifecycle{jobs: make(map[string]models.Job)}
	d := &fakeDispatcher{}
	reg := &fakeRegistry{}
	return New(lc, d, reg, &fakeReader{lc: lc}, nil), lc, d, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitCreatesJob(t *testing.T) {
	s, _, _, _ := newTestServer()
	rec := doJSON(t, s.Router(), http.MethodPost, "/training/jobs", map[string]any{
		"kind": "train.llm", "queue": "training_queue", "payload": map[string]any{"dataset_id": "D1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "train.llm", job.Kind)
	require.Equal(t, models.StatusPending, job.Status)
}

func TestSubmitRejectsMissingKind(t *testing.T) {
	s, _, _, _ := newTestServer()
	rec := doJSON(t, s.Router(), http.MethodPost, "/training/jobs", map[string]any{"payload": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "validation", body["kind"])
	require.NotEmpty(t, body["error"])
}

func TestGetJobNotFound(t *testing.T) {
	s, _, _, _ := newTestServer()
	rec := doJSON(t, s.Router(), http.MethodGet, "/training/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "not_found", body["kind"])
}

func TestGetJobEmbedsEvents(t *testing.T) {
	s, lc, _, _ := newTestServer()
	lc.jobs["job-1"] = models.Job{ID: "job-1", Kind: "kb.create", Status: models.StatusPending}

	rec := doJSON(t, s.Router(), http.MethodGet, "/training/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID     string            `json:"id"`
		Events []models.JobEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "job-1", body.ID)
	require.Len(t, body.Events, 1)
}

func TestCancelIdempotentOnTerminal(t *testing.T) {
	s, lc, _, _ := newTestServer()
	lc.jobs["job-1"] = models.Job{ID: "job-1", Status: models.StatusDone}

	rec := doJSON(t, s.Router(), http.MethodPost, "/training/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, models.StatusDone, job.Status)
}

func TestRetryIllegalTransitionConflicts(t *testing.T) {
	s, lc, _, _ := newTestServer()
	lc.jobs["job-1"] = models.Job{ID: "job-1", Status: models.StatusPending}

	rec := doJSON(t, s.Router(), http.MethodPost, "/training/jobs/job-1/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "conflict", body["kind"])
}

func TestWorkerClaimReturnsJobOrNoContent(t *testing.T) {
	s, _, d, _ := newTestServer()

	rec := doJSON(t, s.Router(), http.MethodPost, "/workers/w1/claim", map[string]any{"queue": "gpu_queue"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	d.job = &models.Job{ID: "job-1", Status: models.StatusRunning}
	rec = doJSON(t, s.Router(), http.MethodPost, "/workers/w1/claim", map[string]any{"queue": "gpu_queue"})
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "job-1", job.ID)
}

func TestWorkerEndpointsRequireWorkerID(t *testing.T) {
	s, _, _, _ := newTestServer()
	for _, path := range []string{
		"/training/jobs/job-1/lease",
		"/training/jobs/job-1/progress",
		"/training/jobs/job-1/complete",
		"/training/jobs/job-1/fail",
	} {
		rec := doJSON(t, s.Router(), http.MethodPost, path, map[string]any{})
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestProgressReportsCancelFlag(t *testing.T) {
	s, lc, _, _ := newTestServer()
	lc.jobs["job-1"] = models.Job{ID: "job-1", Status: models.StatusRunning, CancelRequested: true}

	rec := doJSON(t, s.Router(), http.MethodPost, "/training/jobs/job-1/progress", map[string]any{
		"worker_id": "w1", "detail": map[string]any{"step": 3},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body["cancel_requested"])
}

func TestSchedulerStatusShape(t *testing.T) {
	s, _, _, _ := newTestServer()
	rec := doJSON(t, s.Router(), http.MethodGet, "/training/scheduler", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.Running)
	require.Equal(t, 25, status.CapacityPct)
	require.Contains(t, status.Queues, "default")
}

func TestWorkerHeartbeat(t *testing.T) {
	s, _, _, reg := newTestServer()
	rec := doJSON(t, s.Router(), http.MethodPost, "/workers/w1/heartbeat", map[string]any{"hostname": "gpu-box"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"w1"}, reg.beats)
}
