package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/config"
	"training-orchestrator/internal/lifecycle"
	"training-orchestrator/internal/registry"
	"training-orchestrator/internal/scheduler"
	"training-orchestrator/internal/store"
	workerproc "training-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	controller := lifecycle.New(st, log, lifecycle.Options{
		LeaseDur:    cfg.LeaseDur,
		LockGrace:   cfg.LeaseGrace,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		BackoffMax:  cfg.RetryBackoffMax,
	})
	sched := scheduler.New(st, cfg, log, scheduler.Options{
		LeaseDur:     cfg.LeaseDur,
		LockGrace:    cfg.LeaseGrace,
		HeartbeatTTL: cfg.HeartbeatTTL,
	})
	reg := registry.New(st, cfg.HeartbeatTTL)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	renewEvery := cfg.LeaseRenewEvery
	if renewEvery <= 0 {
		renewEvery = cfg.LeaseDur / 3
	}

	processor := workerproc.New(controller, sched, reg, log, workerproc.Options{
		WorkerID:     workerID,
		Queues:       cfg.WorkerQueues,
		PollInterval: cfg.WorkerPollInterval,
		RenewEvery:   renewEvery,
	})

	imageHandler, err := workerproc.NewImageHandler(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init image handler")
	}
	processor.RegisterHandler("image.generate", imageHandler.Handle)

	log.WithFields(logrus.Fields{
		"worker": workerID, "queues": cfg.WorkerQueues, "lease": cfg.LeaseDur,
	}).Info("worker starting")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Warn("worker stopped")
	}
}
