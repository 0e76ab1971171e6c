package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"training-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the only owner of
// durable state; every mutating operation is a single transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, kind, queue, priority, payload, status, attempts, lease_owner, lease_until, cancel_requested, error, created_at, updated_at`

// InsertJob inserts a pending job with its initial submitted event.
func (s *Store) InsertJob(ctx context.Context, kind, queue string, priority int, payload map[string]any) (models.Job, error) {
	if queue == "" {
		queue = "default"
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, queue, priority, payload, status, attempts, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7, $7)
	`, id, kind, queue, priority, payloadJSON, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := s.appendEventTx(ctx, tx, id, map[string]any{
		"type":  models.EventSubmitted,
		"kind":  kind,
		"queue": queue,
	}); err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:        id,
		Kind:      kind,
		Queue:     queue,
		Priority:  priority,
		Payload:   payload,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns the most recently created jobs.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextJob selects and leases the next eligible pending job in a queue in
// one transaction. It returns nil when the cap is reached or no candidate can
// be claimed. A pending job's lease_until doubles as its retry not-before gate.
func (s *Store) ClaimNextJob(ctx context.Context, queue, workerID string, cap int, leaseDur, lockGrace time.Duration) (*models.Job, error) {
	if cap <= 0 {
		return nil, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var running int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE queue = $1 AND status = $2 AND lease_until > NOW()
	`, queue, models.StatusRunning).Scan(&running)
	if err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	if running >= cap {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, payload FROM jobs
		WHERE queue = $1 AND status = $2
		  AND (lease_until IS NULL OR lease_until <= NOW())
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 10
		FOR UPDATE SKIP LOCKED
	`, queue, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("scan candidates: %w", err)
	}

	type candidate struct {
		id      string
		payload map[string]any
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var payloadJSON []byte
		if err := rows.Scan(&c.id, &payloadJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &c.payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDur)
	for _, c := range candidates {
		if datasetID := datasetIDOf(c.payload); datasetID != "" {
			ok, err := acquireDatasetLockTx(ctx, tx, datasetID, c.id, leaseUntil.Add(lockGrace))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2, lease_owner = $3, lease_until = $4,
			    attempts = attempts + 1, cancel_requested = FALSE, updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns+`
		`, c.id, models.StatusRunning, workerID, leaseUntil)
		job, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", c.id, err)
		}

		if err := s.appendEventTx(ctx, tx, job.ID, map[string]any{
			"type":     models.EventClaimed,
			"worker":   workerID,
			"attempts": job.Attempts,
		}); err != nil {
			return nil, err
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		return &job, nil
	}

	return nil, nil
}

// HeartbeatLease extends a running job's lease for its owner. It reports
// whether the worker should cooperatively cancel. ErrConflict means the
// caller no longer owns the lease.
func (s *Store) HeartbeatLease(ctx context.Context, jobID, workerID string, leaseDur, lockGrace time.Duration) (bool, error) {
	leaseUntil := time.Now().UTC().Add(leaseDur)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

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
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return false, fmt.Errorf("unmarshal payload: %w", err)
	}
	if datasetID := datasetIDOf(payload); datasetID != "" {
		_, err := tx.Exec(ctx, `
			UPDATE dataset_locks SET lease_until = $3
			WHERE dataset_id = $1 AND job_id = $2
		`, datasetID, jobID, leaseUntil.Add(lockGrace))
		if err != nil {
			return false, fmt.Errorf("extend dataset lock: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit heartbeat: %w", err)
	}
	return cancelRequested, nil
}

// conflictOrNotFound distinguishes a failed conditional update: ErrNotFound
// when the job row is absent, ErrConflict otherwise.
func (s *Store) conflictOrNotFound(ctx context.Context, jobID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, ErrConflict)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var leaseOwner, lastErr pgtype.Text
	var leaseUntil pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Kind, &job.Queue, &job.Priority, &payloadJSON,
		&job.Status, &job.Attempts, &leaseOwner, &leaseUntil, &job.CancelRequested,
		&lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LeaseOwner = textPtr(leaseOwner)
	job.Error = textPtr(lastErr)
	if leaseUntil.Valid {
		t := leaseUntil.Time
		job.LeaseUntil = &t
	}
	return job, nil
}

func datasetIDOf(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["dataset_id"].(string); ok {
		return v
	}
	return ""
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
