package store

import (
	"context"
	"fmt"
	"time"

	"training-orchestrator/internal/models"
)

// UpsertWorker registers a worker or refreshes its heartbeat.
func (s *Store) UpsertWorker(ctx context.Context, id, hostname string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, hostname, started_at, last_heartbeat)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		  SET hostname = EXCLUDED.hostname, last_heartbeat = NOW()
	`, id, hostname)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// ListActiveWorkers returns workers with a heartbeat within ttl of now.
func (s *Store) ListActiveWorkers(ctx context.Context, now time.Time, ttl time.Duration) ([]models.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, started_at, last_heartbeat
		FROM workers
		WHERE last_heartbeat >= $1
		ORDER BY id
	`, now.Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		var w models.Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// CountActiveWorkers returns how many workers heartbeated within ttl of now.
func (s *Store) CountActiveWorkers(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workers WHERE last_heartbeat >= $1
	`, now.Add(-ttl)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active workers: %w", err)
	}
	return n, nil
}
