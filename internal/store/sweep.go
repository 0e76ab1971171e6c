package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"training-orchestrator/internal/models"
)

// ExpiredLease describes one reclaimed job.
type ExpiredLease struct {
	JobID    string
	Worker   string
	Attempts int
	Status   string // pending after reclaim, failed when attempts exhausted
}

// ExpireLeases reclaims running jobs whose lease passed. Jobs return to
// pending keeping their attempt count; once attempts reach maxAttempts they
// fail with lease_exhausted. The job's dataset lock is released either way.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) ([]ExpiredLease, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, lease_owner, attempts, payload
		FROM jobs
		WHERE status = $1 AND lease_until < $2
		FOR UPDATE SKIP LOCKED
	`, models.StatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	type expired struct {
		id       string
		owner    string
		attempts int
		payload  []byte
	}
	var found []expired
	for rows.Next() {
		var e expired
		var owner *string
		if err := rows.Scan(&e.id, &owner, &e.attempts, &e.payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		if owner != nil {
			e.owner = *owner
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []ExpiredLease
	for _, e := range found {
		to := models.StatusPending
		event := map[string]any{
			"type":     models.EventLeaseExpired,
			"worker":   e.owner,
			"attempts": e.attempts,
		}
		var errText *string
		if e.attempts >= maxAttempts {
			to = models.StatusFailed
			msg := "lease_exhausted"
			errText = &msg
			event["error"] = msg
		}
		event["status"] = to

		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, lease_owner = NULL, lease_until = NULL,
			    cancel_requested = FALSE, error = $3, updated_at = NOW()
			WHERE id = $1
		`, e.id, to, errText); err != nil {
			return nil, fmt.Errorf("reclaim job %s: %w", e.id, err)
		}

		if datasetID := datasetIDOfJSON(e.payload); datasetID != "" {
			if err := releaseDatasetLockTx(ctx, tx, datasetID, e.id); err != nil {
				return nil, err
			}
		}
		if err := s.appendEventTx(ctx, tx, e.id, event); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, ExpiredLease{JobID: e.id, Worker: e.owner, Attempts: e.attempts, Status: to})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease sweep: %w", err)
	}
	return reclaimed, nil
}

// ExpireDatasetLocks deletes lock rows whose lease passed.
func (s *Store) ExpireDatasetLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dataset_locks WHERE lease_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire dataset locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func datasetIDOfJSON(payload []byte) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	return datasetIDOf(m)
}
