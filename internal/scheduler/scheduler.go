package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/store"
	"training-orchestrator/internal/telemetry"
)

// Store is the persistence slice the scheduler needs.
type Store interface {
	ClaimNextJob(ctx context.Context, queue, workerID string, cap int, leaseDur, lockGrace time.Duration) (*models.Job, error)
	SchedulerSnapshot(ctx context.Context, now time.Time, heartbeatTTL time.Duration) (store.Snapshot, error)
}

// Caps resolves per-queue concurrency limits.
type Caps interface {
	CapFor(queue string) int
	KnownQueues() []string
}

// Scheduler issues job leases to workers, partitioned by queue and bounded by
// per-queue caps. All selection happens in single store transactions, so any
// number of orchestrator replicas can run this concurrently.
type Scheduler struct {
	store        Store
	caps         Caps
	log          *logrus.Logger
	tick         time.Duration
	leaseDur     time.Duration
	lockGrace    time.Duration
	heartbeatTTL time.Duration
}

// Options tunes the scheduler loop.
type Options struct {
	Tick         time.Duration
	LeaseDur     time.Duration
	LockGrace    time.Duration
	HeartbeatTTL time.Duration
}

// New constructs a scheduler.
func New(st Store, caps Caps, log *logrus.Logger, opts Options) *Scheduler {
	if opts.Tick == 0 {
		opts.Tick = 250 * time.Millisecond
	}
	if opts.LeaseDur == 0 {
		opts.LeaseDur = 2 * time.Minute
	}
	if opts.HeartbeatTTL == 0 {
		opts.HeartbeatTTL = 30 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		store:        st,
		caps:         caps,
		log:          log,
		tick:         opts.Tick,
		leaseDur:     opts.LeaseDur,
		lockGrace:    opts.LockGrace,
		heartbeatTTL: opts.HeartbeatTTL,
	}
}

// ClaimNext hands the worker the next eligible job from its queues, in queue
// order. Returns nil when every queue is capped, empty, or blocked on dataset
// locks.
func (s *Scheduler) ClaimNext(ctx context.Context, workerID string, queues []string) (*models.Job, error) {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	for _, q := range queues {
		job, err := s.store.ClaimNextJob(ctx, q, workerID, s.caps.CapFor(q), s.leaseDur, s.lockGrace)
		if err != nil {
			return nil, err
		}
		if job != nil {
			telemetry.JobsClaimed.Inc()
			s.log.WithFields(logrus.Fields{
				"job_id": job.ID, "queue": q, "worker": workerID, "attempts": job.Attempts,
			}).Info("job claimed")
			return job, nil
		}
	}
	return nil, nil
}

// Run refreshes scheduling gauges at the configured tick until ctx ends.
// Claims themselves are driven by worker pulls through ClaimNext; the loop
// keeps the observable picture current.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := s.store.SchedulerSnapshot(ctx, time.Now().UTC(), s.heartbeatTTL)
		if err != nil {
			s.log.WithError(err).Warn("scheduler snapshot failed")
			continue
		}
		telemetry.RunningGauge.Set(float64(snap.Running))
		telemetry.PendingGauge.Set(float64(snap.Pending))
		telemetry.LockedDatasetsGauge.Set(float64(snap.LockedDatasets))
		telemetry.ActiveWorkersGauge.Set(float64(snap.WorkersActive))
	}
}

// QueueStatus is the per-queue slice of the status snapshot.
type QueueStatus struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
	Cap     int `json:"cap"`
}

// Status is the scheduler snapshot served by the API.
type Status struct {
	Running        int                    `json:"running"`
	Pending        int                    `json:"pending"`
	LockedDatasets int                    `json:"locked_datasets"`
	WorkersActive  int                    `json:"workers_active"`
	CapacityPct    int                    `json:"capacity_pct"`
	Queues         map[string]QueueStatus `json:"queues"`
}

// Status summarizes live scheduling state across configured and observed queues.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	snap, err := s.store.SchedulerSnapshot(ctx, time.Now().UTC(), s.heartbeatTTL)
	if err != nil {
		return Status{}, err
	}

	queues := make(map[string]QueueStatus)
	for _, q := range s.caps.KnownQueues() {
		queues[q] = QueueStatus{Cap: s.caps.CapFor(q)}
	}
	if _, ok := queues["default"]; !ok {
		queues["default"] = QueueStatus{Cap: s.caps.CapFor("default")}
	}
	for q, counts := range snap.Queues {
		qs, ok := queues[q]
		if !ok {
			qs = QueueStatus{Cap: s.caps.CapFor(q)}
		}
		qs.Running = counts.Running
		qs.Pending = counts.Pending
		queues[q] = qs
	}

	totalCap := 0
	for _, qs := range queues {
		totalCap += qs.Cap
	}
	pct := 0
	if totalCap > 0 {
		pct = snap.Running * 100 / totalCap
		if pct > 100 {
			pct = 100
		}
	}

	return Status{
		Running:        snap.Running,
		Pending:        snap.Pending,
		LockedDatasets: snap.LockedDatasets,
		WorkersActive:  snap.WorkersActive,
		CapacityPct:    pct,
		Queues:         queues,
	}, nil
}
