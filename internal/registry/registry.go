package registry

import (
	"context"
	"time"

	"training-orchestrator/internal/models"
)

// Store is the persistence slice the registry needs.
type Store interface {
	UpsertWorker(ctx context.Context, id, hostname string) error
	ListActiveWorkers(ctx context.Context, now time.Time, ttl time.Duration) ([]models.Worker, error)
	CountActiveWorkers(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// Registry tracks worker liveness via heartbeats. It only attributes —
// reclaiming a dead worker's jobs is the sweeper's job, driven by lease_until.
type Registry struct {
	store Store
	ttl   time.Duration
}

// New constructs a registry with the given heartbeat TTL.
func New(st Store, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Registry{store: st, ttl: ttl}
}

// Register upserts a worker row with fresh timestamps.
func (r *Registry) Register(ctx context.Context, id, hostname string) error {
	return r.store.UpsertWorker(ctx, id, hostname)
}

// Heartbeat refreshes last_heartbeat. Upserts so a beacon from a restarted
// worker never 404s.
func (r *Registry) Heartbeat(ctx context.Context, id, hostname string) error {
	return r.store.UpsertWorker(ctx, id, hostname)
}

// ListActive returns workers alive as of now.
func (r *Registry) ListActive(ctx context.Context, now time.Time) ([]models.Worker, error) {
	return r.store.ListActiveWorkers(ctx, now, r.ttl)
}

// CountActive returns the live worker count.
func (r *Registry) CountActive(ctx context.Context, now time.Time) (int, error) {
	return r.store.CountActiveWorkers(ctx, now, r.ttl)
}
