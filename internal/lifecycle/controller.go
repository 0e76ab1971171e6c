package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/store"
)

// Store is the slice of persistence the controller needs. *store.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	InsertJob(ctx context.Context, kind, queue string, priority int, payload map[string]any) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string) (models.Job, error)
	FinishRunning(ctx context.Context, p store.FinishRunningParams) (models.Job, error)
	CancelPending(ctx context.Context, jobID string) (models.Job, error)
	RequestCancel(ctx context.Context, jobID string) (models.Job, error)
	RetryJob(ctx context.Context, jobID string) (models.Job, error)
	PauseJob(ctx context.Context, jobID string) (models.Job, error)
	ResumeJob(ctx context.Context, jobID string) (models.Job, error)
	AppendProgress(ctx context.Context, jobID, workerID string, detail map[string]any, leaseDur, lockGrace time.Duration) (bool, error)
	HeartbeatLease(ctx context.Context, jobID, workerID string, leaseDur, lockGrace time.Duration) (bool, error)
}

// Controller owns job state transitions. Every mutation goes through a
// conditional store update; a lost compare-and-set surfaces as
// store.ErrConflict and is reported to the caller without retry.
type Controller struct {
	store       Store
	log         *logrus.Logger
	leaseDur    time.Duration
	lockGrace   time.Duration
	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
}

// Options tunes retry and lease behavior.
type Options struct {
	LeaseDur    time.Duration
	LockGrace   time.Duration
	MaxAttempts int
	Backoff     time.Duration
	BackoffMax  time.Duration
}

// New constructs the controller.
func New(st Store, log *logrus.Logger, opts Options) *Controller {
	if opts.LeaseDur == 0 {
		opts.LeaseDur = 2 * time.Minute
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff == 0 {
		opts.Backoff = 30 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	if log == nil {
		log = logrus.New()
	}
	return &Controller{
		store:       st,
		log:         log,
		leaseDur:    opts.LeaseDur,
		lockGrace:   opts.LockGrace,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		backoffMax:  opts.BackoffMax,
	}
}

// Submit creates a pending job and its submitted event.
func (c *Controller) Submit(ctx context.Context, kind, queue string, priority int, payload map[string]any) (models.Job, error) {
	job, err := c.store.InsertJob(ctx, kind, queue, priority, payload)
	if err != nil {
		return models.Job{}, err
	}
	c.log.WithFields(logrus.Fields{
		"job_id": job.ID, "kind": kind, "queue": job.Queue, "priority": priority,
	}).Info("job submitted")
	return job, nil
}

// Progress records a worker progress report and renews the lease. The
// returned flag tells the worker to terminate cooperatively.
func (c *Controller) Progress(ctx context.Context, jobID, workerID string, detail map[string]any) (bool, error) {
	return c.store.AppendProgress(ctx, jobID, workerID, detail, c.leaseDur, c.lockGrace)
}

// RenewLease extends the worker's lease without logging a progress event.
func (c *Controller) RenewLease(ctx context.Context, jobID, workerID string) (bool, error) {
	return c.store.HeartbeatLease(ctx, jobID, workerID, c.leaseDur, c.lockGrace)
}

// Complete transitions running → done for the owning worker.
func (c *Controller) Complete(ctx context.Context, jobID, workerID string) (models.Job, error) {
	job, err := c.store.CompleteJob(ctx, jobID, workerID)
	if err != nil {
		return models.Job{}, err
	}
	c.log.WithFields(logrus.Fields{"job_id": jobID, "worker": workerID}).Info("job completed")
	return job, nil
}

// Fail handles a worker-reported failure. Kind cancelled acknowledges a
// cancellation request; kind transient auto-retries with exponential backoff
// until attempts are exhausted; anything else is permanent.
func (c *Controller) Fail(ctx context.Context, jobID, workerID, msg, kind string) (models.Job, error) {
	switch kind {
	case models.FailCancelled:
		return c.store.FinishRunning(ctx, store.FinishRunningParams{
			JobID: jobID, WorkerID: workerID, ToStatus: models.StatusCancelled,
			EventType: models.EventCancelled,
		})
	case models.FailTransient:
		current, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if current.Attempts < c.maxAttempts {
			next := time.Now().UTC().Add(c.RetryBackoff(current.Attempts))
			job, err := c.store.FinishRunning(ctx, store.FinishRunningParams{
				JobID: jobID, WorkerID: workerID, ToStatus: models.StatusPending,
				Error: msg, NextEligible: &next, EventType: models.EventFailed,
				EventDetail: map[string]any{"will_retry": true, "next_eligible": next.Format(time.RFC3339)},
			})
			if err != nil {
				return models.Job{}, err
			}
			c.log.WithFields(logrus.Fields{
				"job_id": jobID, "attempts": job.Attempts, "next_eligible": next,
			}).Warn("transient failure, retry scheduled")
			return job, nil
		}
	}

	job, err := c.store.FinishRunning(ctx, store.FinishRunningParams{
		JobID: jobID, WorkerID: workerID, ToStatus: models.StatusFailed,
		Error: msg, EventType: models.EventFailed,
	})
	if err != nil {
		return models.Job{}, err
	}
	c.log.WithFields(logrus.Fields{"job_id": jobID, "error": msg}).Warn("job failed")
	return job, nil
}

// Cancel requests cancellation. Pending and paused jobs cancel immediately;
// running jobs get the cooperative flag; terminal jobs are a no-op.
// The changed return is false for no-ops.
func (c *Controller) Cancel(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	if models.IsTerminal(job.Status) {
		return job, false, nil
	}
	if job.Status == models.StatusRunning {
		if job.CancelRequested {
			return job, false, nil
		}
		job, err = c.store.RequestCancel(ctx, jobID)
		if err != nil {
			return models.Job{}, false, err
		}
		return job, true, nil
	}
	job, err = c.store.CancelPending(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	c.log.WithField("job_id", jobID).Info("job cancelled")
	return job, true, nil
}

// Retry moves a failed or cancelled job back to pending. Attempts carry
// forward; error and lease are cleared.
func (c *Controller) Retry(ctx context.Context, jobID string) (models.Job, error) {
	job, err := c.store.RetryJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	c.log.WithFields(logrus.Fields{"job_id": jobID, "attempts": job.Attempts}).Info("job retry requested")
	return job, nil
}

// Pause transitions running → paused.
func (c *Controller) Pause(ctx context.Context, jobID string) (models.Job, error) {
	return c.store.PauseJob(ctx, jobID)
}

// Resume moves a paused job back into scheduling.
func (c *Controller) Resume(ctx context.Context, jobID string) (models.Job, error) {
	return c.store.ResumeJob(ctx, jobID)
}

// Get fetches a job.
func (c *Controller) Get(ctx context.Context, jobID string) (models.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// RetryBackoff returns base * 2^(attempts-1) capped at the configured max.
func (c *Controller) RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	exp := float64(c.backoff) * math.Pow(2, float64(attempts-1))
	if exp > float64(c.backoffMax) {
		return c.backoffMax
	}
	return time.Duration(exp)
}
