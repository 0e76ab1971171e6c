package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_submitted_total", Help: "Jobs accepted via the API"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_claimed_total", Help: "Job leases issued to workers"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_failed_total", Help: "Jobs that reported failure"})
	LeasesExpired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_leases_expired_total", Help: "Job leases reclaimed by the sweeper"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})

	OutboxDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_outbox_delivered_total", Help: "Webhook deliveries acknowledged with 2xx"})
	OutboxRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_outbox_retries_total", Help: "Webhook deliveries rescheduled after an error"})
	OutboxFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_outbox_failed_total", Help: "Webhook rows terminally failed"})

	RunningGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_running", Help: "Jobs currently leased"})
	PendingGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_pending", Help: "Jobs awaiting a lease"})
	LockedDatasetsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_datasets_locked", Help: "Datasets under a live lease"})
	ActiveWorkersGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_workers_active", Help: "Workers with a fresh heartbeat"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			LeasesExpired,
			RateLimitRejects,
			OutboxDelivered,
			OutboxRetries,
			OutboxFailed,
			RunningGauge,
			PendingGauge,
			LockedDatasetsGauge,
			ActiveWorkersGauge,
		)
	})
	return promhttp.Handler()
}
