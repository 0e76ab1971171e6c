package store

import (
	"context"
	"fmt"
	"time"

	"training-orchestrator/internal/models"
)

// QueueCounts aggregates live job counts per queue.
type QueueCounts struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Snapshot is the raw material for the scheduler status endpoint.
type Snapshot struct {
	Running        int
	Pending        int
	LockedDatasets int
	WorkersActive  int
	Queues         map[string]QueueCounts
}

// SchedulerSnapshot gathers running/pending/lock/worker counts in one pass.
func (s *Store) SchedulerSnapshot(ctx context.Context, now time.Time, heartbeatTTL time.Duration) (Snapshot, error) {
	snap := Snapshot{Queues: make(map[string]QueueCounts)}

	rows, err := s.pool.Query(ctx, `
		SELECT queue, status, COUNT(*)
		FROM jobs
		WHERE status IN ($1, $2)
		GROUP BY queue, status
	`, models.StatusRunning, models.StatusPending)
	if err != nil {
		return snap, fmt.Errorf("count jobs by queue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var queue, status string
		var n int
		if err := rows.Scan(&queue, &status, &n); err != nil {
			return snap, fmt.Errorf("scan queue counts: %w", err)
		}
		qc := snap.Queues[queue]
		switch status {
		case models.StatusRunning:
			qc.Running = n
			snap.Running += n
		case models.StatusPending:
			qc.Pending = n
			snap.Pending += n
		}
		snap.Queues[queue] = qc
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dataset_locks WHERE lease_until > $1
	`, now).Scan(&snap.LockedDatasets)
	if err != nil {
		return snap, fmt.Errorf("count locked datasets: %w", err)
	}

	snap.WorkersActive, err = s.CountActiveWorkers(ctx, now, heartbeatTTL)
	if err != nil {
		return snap, err
	}
	return snap, nil
}
