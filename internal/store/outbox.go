package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"training-orchestrator/internal/models"
)

const outboxColumns = `id, job_id, event, status, attempts, next_attempt_at, locked_by, locked_until, last_error, delivered_at, created_at`

// OutboxClaimBatch exclusively claims up to n deliverable rows for a delivery
// worker. A row is claimable while undelivered, due, and unlocked.
func (s *Store) OutboxClaimBatch(ctx context.Context, workerUUID string, n int, lockDur time.Duration) ([]models.OutboxRow, error) {
	lockedUntil := time.Now().UTC().Add(lockDur)
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_outbox
		SET locked_by = $1, locked_until = $2
		WHERE id IN (
			SELECT id FROM webhook_outbox
			WHERE status = $3
			  AND delivered_at IS NULL
			  AND next_attempt_at <= NOW()
			  AND (locked_until IS NULL OR locked_until <= NOW())
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns+`
	`, workerUUID, lockedUntil, models.OutboxPending, n)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var claimed []models.OutboxRow
	for rows.Next() {
		var r models.OutboxRow
		var eventJSON []byte
		var lockedBy, lastErr pgtype.Text
		var lockedUntilCol, deliveredAt pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.JobID, &eventJSON, &r.Status, &r.Attempts,
			&r.NextAttemptAt, &lockedBy, &lockedUntilCol, &lastErr, &deliveredAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if err := json.Unmarshal(eventJSON, &r.Event); err != nil {
			return nil, fmt.Errorf("unmarshal outbox event: %w", err)
		}
		r.LockedBy = textPtr(lockedBy)
		r.LastError = textPtr(lastErr)
		if lockedUntilCol.Valid {
			t := lockedUntilCol.Time
			r.LockedUntil = &t
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			r.DeliveredAt = &t
		}
		claimed = append(claimed, r)
	}
	return claimed, rows.Err()
}

// OutboxMarkDelivered finalizes a row after a 2xx response.
func (s *Store) OutboxMarkDelivered(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET status = $2, delivered_at = NOW(), locked_by = NULL, locked_until = NULL, last_error = NULL
		WHERE id = $1
	`, id, models.OutboxDelivered)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// OutboxReschedule releases the lock and defers the next delivery attempt.
func (s *Store) OutboxReschedule(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET attempts = $2, next_attempt_at = $3, last_error = $4, locked_by = NULL, locked_until = NULL
		WHERE id = $1
	`, id, attempts, nextAttempt, lastErr)
	if err != nil {
		return fmt.Errorf("reschedule outbox row: %w", err)
	}
	return nil
}

// OutboxMarkFailed terminally fails a row (non-retryable response or attempts
// exhausted).
func (s *Store) OutboxMarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET status = $2, attempts = $3, last_error = $4, locked_by = NULL, locked_until = NULL
		WHERE id = $1
	`, id, models.OutboxFailed, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// OutboxRescueStuck clears locks abandoned by crashed delivery workers.
func (s *Store) OutboxRescueStuck(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET locked_by = NULL, locked_until = NULL
		WHERE delivered_at IS NULL AND locked_until IS NOT NULL AND locked_until <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("rescue stuck outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
