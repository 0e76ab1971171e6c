package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"training-orchestrator/internal/models"
)

// appendEventTx records an event in the job_events log and enqueues the
// matching webhook outbox row inside the caller's transaction. Committing
// state without its event, or an event without its outbox row, is impossible.
func (s *Store) appendEventTx(ctx context.Context, tx pgx.Tx, jobID string, event map[string]any) error {
	now := time.Now().UTC()
	if _, ok := event["ts"]; !ok {
		event["ts"] = now.Format(time.RFC3339Nano)
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_events (job_id, ts, event) VALUES ($1, $2, $3)
	`, jobID, now, eventJSON)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}

	outboxID := uuid.New().String()
	eventType, _ := event["type"].(string)
	envelope, err := json.Marshal(map[string]any{
		"id":     outboxID,
		"job_id": jobID,
		"type":   eventType,
		"ts":     now.Format(time.RFC3339Nano),
		"data":   event,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_outbox (id, job_id, event, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
	`, outboxID, jobID, envelope, models.OutboxPending, now)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// AppendProgress records a worker-reported progress event and renews the
// lease, returning whether cancellation was requested.
func (s *Store) AppendProgress(ctx context.Context, jobID, workerID string, detail map[string]any, leaseDur, lockGrace time.Duration) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	leaseUntil := time.Now().UTC().Add(leaseDur)
	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET lease_until = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lease_owner = $4
		RETURNING cancel_requested, payload
	`, jobID, models.StatusRunning, leaseUntil, workerID)

	var cancelRequested bool
	var payloadJSON []byte
	if err := row.Scan(&cancelRequested, &payloadJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, s.conflictOrNotFound(ctx, jobID)
		}
		return false, fmt.Errorf("renew lease: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return false, fmt.Errorf("unmarshal payload: %w", err)
	}
	if datasetID := datasetIDOf(payload); datasetID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE dataset_locks SET lease_until = $3
			WHERE dataset_id = $1 AND job_id = $2
		`, datasetID, jobID, leaseUntil.Add(lockGrace)); err != nil {
			return false, fmt.Errorf("extend dataset lock: %w", err)
		}
	}

	event := map[string]any{"type": models.EventProgress, "worker": workerID}
	for k, v := range detail {
		if k != "type" && k != "ts" {
			event[k] = v
		}
	}
	if err := s.appendEventTx(ctx, tx, jobID, event); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit progress: %w", err)
	}
	return cancelRequested, nil
}

// ListEvents returns the event log for a job in append order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, ts, event FROM job_events WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var eventJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.TS, &eventJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(eventJSON, &ev.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
