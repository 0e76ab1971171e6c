package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"training-orchestrator/internal/models"
)

// CompleteJob transitions running → done for the lease owner, releases the
// dataset lock, and appends the completed event.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, lease_owner = NULL, lease_until = NULL,
		    cancel_requested = FALSE, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lease_owner = $4
		RETURNING `+jobColumns+`
	`, jobID, models.StatusRunning, models.StatusDone, workerID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, s.conflictOrNotFound(ctx, jobID)
		}
		return models.Job{}, fmt.Errorf("complete job: %w", err)
	}

	if err := releaseDatasetLockTx(ctx, tx, job.DatasetID(), jobID); err != nil {
		return models.Job{}, err
	}
	if err := s.appendEventTx(ctx, tx, jobID, map[string]any{
		"type":   models.EventCompleted,
		"worker": workerID,
	}); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit complete: %w", err)
	}
	return job, nil
}

// FinishRunningParams describes how a running job leaves the running state
// after a worker-reported failure or cancellation ack. The lifecycle
// controller decides the target status and the retry gate.
type FinishRunningParams struct {
	JobID    string
	WorkerID string
	ToStatus string // failed, cancelled, or pending (auto-retry)
	Error    string
	// NextEligible gates rescheduling of auto-retried jobs; stored in
	// lease_until on the pending row.
	NextEligible *time.Time
	EventType    string
	EventDetail  map[string]any
}

// FinishRunning applies a worker-reported terminal or retry transition. The
// job must be running and owned by the caller.
func (s *Store) FinishRunning(ctx context.Context, p FinishRunningParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var errVal *string
	if p.Error != "" {
		errVal = &p.Error
	}
	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, lease_owner = NULL, lease_until = $5,
		    cancel_requested = FALSE, error = $6, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lease_owner = $4
		RETURNING `+jobColumns+`
	`, p.JobID, models.StatusRunning, p.ToStatus, p.WorkerID, p.NextEligible, errVal)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, s.conflictOrNotFound(ctx, p.JobID)
		}
		return models.Job{}, fmt.Errorf("finish running job: %w", err)
	}

	if err := releaseDatasetLockTx(ctx, tx, job.DatasetID(), p.JobID); err != nil {
		return models.Job{}, err
	}

	event := map[string]any{"type": p.EventType, "worker": p.WorkerID}
	if p.Error != "" {
		event["error"] = p.Error
	}
	for k, v := range p.EventDetail {
		event[k] = v
	}
	if err := s.appendEventTx(ctx, tx, p.JobID, event); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit finish: %w", err)
	}
	return job, nil
}

// CancelPending transitions pending or paused → cancelled immediately.
// Neither holds a live lease, so no worker needs to be consulted.
func (s *Store) CancelPending(ctx context.Context, jobID string) (models.Job, error) {
	return s.conditionalTransition(ctx, jobID,
		[]string{models.StatusPending, models.StatusPaused}, models.StatusCancelled, true,
		map[string]any{"type": models.EventCancelled})
}

// RequestCancel flags a running job for cooperative cancellation. The owning
// worker observes the flag on its next lease renewal or progress report.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns+`
	`, jobID, models.StatusRunning)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, s.conflictOrNotFound(ctx, jobID)
		}
		return models.Job{}, fmt.Errorf("request cancel: %w", err)
	}

	if err := s.appendEventTx(ctx, tx, jobID, map[string]any{
		"type": models.EventCancelRequested,
	}); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit cancel request: %w", err)
	}
	return job, nil
}

// RetryJob transitions failed/cancelled → pending, clearing error and lease.
// Attempts carry forward.
func (s *Store) RetryJob(ctx context.Context, jobID string) (models.Job, error) {
	return s.conditionalTransition(ctx, jobID,
		[]string{models.StatusFailed, models.StatusCancelled}, models.StatusPending, true,
		map[string]any{"type": models.EventRetryRequested})
}

// PauseJob transitions running → paused. The lease is cleared so the sweeper
// leaves paused jobs alone.
func (s *Store) PauseJob(ctx context.Context, jobID string) (models.Job, error) {
	return s.conditionalTransition(ctx, jobID,
		[]string{models.StatusRunning}, models.StatusPaused, true,
		map[string]any{"type": models.EventPaused})
}

// ResumeJob transitions paused → pending; the next worker claim re-leases it
// under current queue caps.
func (s *Store) ResumeJob(ctx context.Context, jobID string) (models.Job, error) {
	return s.conditionalTransition(ctx, jobID,
		[]string{models.StatusPaused}, models.StatusPending, true,
		map[string]any{"type": models.EventResumed})
}

// conditionalTransition performs a compare-and-set status move, releasing the
// dataset lock when the move clears the lease.
func (s *Store) conditionalTransition(ctx context.Context, jobID string, from []string, to string, clearLease bool, event map[string]any) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if clearLease {
		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2, lease_owner = NULL, lease_until = NULL,
			    cancel_requested = FALSE, error = NULL, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
			RETURNING `+jobColumns+`
		`, jobID, to, from)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
			RETURNING `+jobColumns+`
		`, jobID, to, from)
	}
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, s.conflictOrNotFound(ctx, jobID)
		}
		return models.Job{}, fmt.Errorf("transition to %s: %w", to, err)
	}

	if clearLease {
		if err := releaseDatasetLockTx(ctx, tx, job.DatasetID(), jobID); err != nil {
			return models.Job{}, err
		}
	}
	if err := s.appendEventTx(ctx, tx, jobID, event); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}
