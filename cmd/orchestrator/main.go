package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/api"
	"training-orchestrator/internal/config"
	"training-orchestrator/internal/lifecycle"
	"training-orchestrator/internal/outbox"
	"training-orchestrator/internal/ratelimit"
	"training-orchestrator/internal/registry"
	"training-orchestrator/internal/scheduler"
	"training-orchestrator/internal/store"
	"training-orchestrator/internal/sweeper"
	"training-orchestrator/internal/telemetry"
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
		Tick:         cfg.SchedulerTick,
		LeaseDur:     cfg.LeaseDur,
		LockGrace:    cfg.LeaseGrace,
		HeartbeatTTL: cfg.HeartbeatTTL,
	})
	reg := registry.New(st, cfg.HeartbeatTTL)
	sweep := sweeper.New(st, log, cfg.SweeperTick, cfg.MaxAttempts)
	deliverer := outbox.New(st, log, outbox.Options{
		URLs:        cfg.WebhookURLs,
		Secret:      cfg.WebhookSecret,
		Workers:     cfg.OutboxWorkers,
		Batch:       cfg.OutboxBatch,
		LockDur:     cfg.OutboxLockDur,
		HTTPTimeout: cfg.OutboxHTTPTimeout,
		Backoff:     cfg.OutboxBackoff,
		BackoffMax:  cfg.OutboxBackoffMax,
		MaxAttempts: cfg.MaxOutboxAttempts,
	})

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	go sched.Run(ctx)
	go sweep.Run(ctx)
	go deliverer.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	server := api.New(controller, sched, reg, st, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("orchestrator listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
