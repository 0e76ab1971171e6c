package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"training-orchestrator/internal/models"
)

// acquireDatasetLockTx grants the dataset lease when no live row exists or
// the row already belongs to the requesting job. Non-blocking try-lock.
func acquireDatasetLockTx(ctx context.Context, tx pgx.Tx, datasetID, jobID string, leaseUntil time.Time) (bool, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO dataset_locks (dataset_id, job_id, lease_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset_id) DO UPDATE
		  SET job_id = EXCLUDED.job_id, lease_until = EXCLUDED.lease_until
		  WHERE dataset_locks.lease_until < NOW() OR dataset_locks.job_id = EXCLUDED.job_id
		RETURNING dataset_id
	`, datasetID, jobID, leaseUntil)
	var got string
	if err := row.Scan(&got); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("acquire dataset lock: %w", err)
	}
	return true, nil
}

// AcquireDatasetLock is the standalone form of the try-lock.
func (s *Store) AcquireDatasetLock(ctx context.Context, datasetID, jobID string, leaseUntil time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := acquireDatasetLockTx(ctx, tx, datasetID, jobID, leaseUntil)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit lock: %w", err)
	}
	return ok, nil
}

// releaseDatasetLockTx drops the lock if held by this job. Empty datasetID is a no-op.
func releaseDatasetLockTx(ctx context.Context, tx pgx.Tx, datasetID, jobID string) error {
	if datasetID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM dataset_locks WHERE dataset_id = $1 AND job_id = $2
	`, datasetID, jobID)
	if err != nil {
		return fmt.Errorf("release dataset lock: %w", err)
	}
	return nil
}

// ReleaseDatasetLock drops the lock if held by this job.
func (s *Store) ReleaseDatasetLock(ctx context.Context, datasetID, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM dataset_locks WHERE dataset_id = $1 AND job_id = $2
	`, datasetID, jobID)
	if err != nil {
		return fmt.Errorf("release dataset lock: %w", err)
	}
	return nil
}

// ListDatasetLocks returns the live locks.
func (s *Store) ListDatasetLocks(ctx context.Context) ([]models.DatasetLock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dataset_id, job_id, lease_until FROM dataset_locks WHERE lease_until > NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("list dataset locks: %w", err)
	}
	defer rows.Close()

	var locks []models.DatasetLock
	for rows.Next() {
		var l models.DatasetLock
		if err := rows.Scan(&l.DatasetID, &l.JobID, &l.LeaseUntil); err != nil {
			return nil, fmt.Errorf("scan dataset lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
