package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/store"
	"training-orchestrator/internal/telemetry"
)

// Store is the persistence slice the sweeper needs.
type Store interface {
	ExpireLeases(ctx context.Context, now time.Time, maxAttempts int) ([]store.ExpiredLease, error)
	ExpireDatasetLocks(ctx context.Context, now time.Time) (int64, error)
	OutboxRescueStuck(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper reclaims expired job leases, drops dead dataset locks, and frees
// outbox rows abandoned by crashed delivery workers. It logs and continues on
// any single failure; a sweep pass never aborts the loop.
type Sweeper struct {
	store       Store
	log         *logrus.Logger
	tick        time.Duration
	maxAttempts int
}

// New constructs a sweeper.
func New(st Store, log *logrus.Logger, tick time.Duration, maxAttempts int) *Sweeper {
	if tick == 0 {
		tick = 5 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{store: st, log: log, tick: tick, maxAttempts: maxAttempts}
}

// Run sweeps at the configured tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.Sweep(ctx)
	}
}

// Sweep performs one pass: job leases, then dataset locks, then outbox locks.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	reclaimed, err := s.store.ExpireLeases(ctx, now, s.maxAttempts)
	if err != nil {
		s.log.WithError(err).Warn("lease sweep failed")
	}
	for _, r := range reclaimed {
		telemetry.LeasesExpired.Inc()
		entry := s.log.WithFields(logrus.Fields{
			"job_id": r.JobID, "worker": r.Worker, "attempts": r.Attempts,
		})
		if r.Status == models.StatusFailed {
			entry.Warn("lease expired, attempts exhausted")
		} else {
			entry.Info("lease expired, job requeued")
		}
	}

	if _, err := s.store.ExpireDatasetLocks(ctx, now); err != nil {
		s.log.WithError(err).Warn("dataset lock sweep failed")
	}

	if n, err := s.store.OutboxRescueStuck(ctx, now); err != nil {
		s.log.WithError(err).Warn("outbox rescue failed")
	} else if n > 0 {
		s.log.WithField("rows", n).Info("rescued stuck outbox rows")
	}
}
