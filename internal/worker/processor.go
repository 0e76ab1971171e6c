package worker

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/models"
)

// Lifecycle is the slice of the controller a worker drives.
type Lifecycle interface {
	Progress(ctx context.Context, jobID, workerID string, detail map[string]any) (bool, error)
	RenewLease(ctx context.Context, jobID, workerID string) (bool, error)
	Complete(ctx context.Context, jobID, workerID string) (models.Job, error)
	Fail(ctx context.Context, jobID, workerID, msg, kind string) (models.Job, error)
}

// ClaimSource hands out job leases.
type ClaimSource interface {
	ClaimNext(ctx context.Context, workerID string, queues []string) (*models.Job, error)
}

// Registry receives liveness beacons.
type Registry interface {
	Register(ctx context.Context, id, hostname string) error
	Heartbeat(ctx context.Context, id, hostname string) error
}

// ProgressFn reports a progress snapshot for the running job. A true return
// tells the handler to wind down: cancellation was requested or the report
// failed (for example because the lease was lost).
type ProgressFn func(detail map[string]any) bool

// Handler executes a job of a given kind.
type Handler func(ctx context.Context, job models.Job, progress ProgressFn) error

type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient wraps an error so the processor reports it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was wrapped by Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Processor drives the worker execution loop: claim, renew the lease on a
// cadence, run the kind handler, report the outcome.
type Processor struct {
	lifecycle      Lifecycle
	source         ClaimSource
	registry       Registry
	log            *logrus.Logger
	handlers       map[string]Handler
	defaultHandler Handler
	workerID       string
	hostname       string
	queues         []string
	pollInterval   time.Duration
	renewEvery     time.Duration
}

// Options tunes the processor loop.
type Options struct {
	WorkerID     string
	Queues       []string
	PollInterval time.Duration
	RenewEvery   time.Duration
}

// New constructs a processor.
func New(lc Lifecycle, src ClaimSource, reg Registry, log *logrus.Logger, opts Options) *Processor {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.RenewEvery == 0 {
		opts.RenewEvery = 40 * time.Second
	}
	if len(opts.Queues) == 0 {
		opts.Queues = []string{"default"}
	}
	hostname, _ := os.Hostname()
	if opts.WorkerID == "" {
		opts.WorkerID = hostname
	}
	if log == nil {
		log = logrus.New()
	}
	p := &Processor{
		lifecycle:    lc,
		source:       src,
		registry:     reg,
		log:          log,
		handlers:     make(map[string]Handler),
		workerID:     opts.WorkerID,
		hostname:     hostname,
		queues:       opts.Queues,
		pollInterval: opts.PollInterval,
		renewEvery:   opts.RenewEvery,
	}
	p.defaultHandler = SimulationHandler
	return p
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// WorkerID returns the processor's identity.
func (p *Processor) WorkerID() string { return p.workerID }

// Run claims and executes jobs until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.registry.Register(ctx, p.workerID, p.hostname); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"worker": p.workerID, "queues": p.queues}).Info("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.registry.Heartbeat(ctx, p.workerID, p.hostname); err != nil {
			p.log.WithError(err).Warn("registry heartbeat failed")
		}

		job, err := p.source.ClaimNext(ctx, p.workerID, p.queues)
		if err != nil {
			p.log.WithError(err).Warn("claim failed")
			p.sleep(ctx, p.pollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.pollInterval)
			continue
		}
		p.runJob(ctx, *job)
	}
}

// RunOne executes a single claimed job. Exposed for the loop and for tests.
func (p *Processor) RunOne(ctx context.Context, job models.Job) {
	p.runJob(ctx, job)
}

func (p *Processor) runJob(ctx context.Context, job models.Job) {
	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "attempts": job.Attempts})
	log.Info("job started")

	jobCtx, stop := context.WithCancel(ctx)
	defer stop()

	var cancelRequested atomic.Bool
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(p.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
			}
			requested, err := p.lifecycle.RenewLease(ctx, job.ID, p.workerID)
			if err != nil {
				// Lost the lease; abandon the job and let the new owner run it.
				log.WithError(err).Warn("lease renewal failed, abandoning job")
				stop()
				return
			}
			if requested {
				cancelRequested.Store(true)
				stop()
				return
			}
		}
	}()

	progress := func(detail map[string]any) bool {
		requested, err := p.lifecycle.Progress(ctx, job.ID, p.workerID, detail)
		if err != nil {
			log.WithError(err).Warn("progress report failed")
			stop()
			return true
		}
		if requested {
			cancelRequested.Store(true)
			stop()
		}
		return requested
	}

	handler, ok := p.handlers[job.Kind]
	if !ok {
		handler = p.defaultHandler
	}
	err := handler(jobCtx, job, progress)
	stop()
	<-renewDone

	switch {
	case cancelRequested.Load():
		if _, ferr := p.lifecycle.Fail(ctx, job.ID, p.workerID, "cancelled by request", models.FailCancelled); ferr != nil {
			log.WithError(ferr).Warn("cancel ack failed")
		} else {
			log.Info("job cancelled")
		}
	case err == nil:
		if _, cerr := p.lifecycle.Complete(ctx, job.ID, p.workerID); cerr != nil {
			log.WithError(cerr).Warn("complete failed")
		} else {
			log.Info("job done")
		}
	default:
		kind := models.FailPermanent
		if IsTransient(err) {
			kind = models.FailTransient
		}
		if _, ferr := p.lifecycle.Fail(ctx, job.ID, p.workerID, err.Error(), kind); ferr != nil {
			log.WithError(ferr).Warn("fail report failed")
		} else {
			log.WithError(err).Warn("job failed")
		}
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
