package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/api"
	"github.com/pilar-systems/autopilot/internal/archive"
	"github.com/pilar-systems/autopilot/internal/autopilot"
	"github.com/pilar-systems/autopilot/internal/budget"
	"github.com/pilar-systems/autopilot/internal/config"
	"github.com/pilar-systems/autopilot/internal/dispatch"
	"github.com/pilar-systems/autopilot/internal/eventbus"
	"github.com/pilar-systems/autopilot/internal/jobqueue"
	"github.com/pilar-systems/autopilot/internal/locks"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/ratelimit"
	"github.com/pilar-systems/autopilot/internal/store"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		logger.Fatal("load plans", zap.Error(err))
	}

	registry := dispatch.NewRegistry(logger)
	registerHandlers(registry, logger)

	var eventSink eventbus.FailureSink
	var jobSink jobqueue.FailureSink
	if cfg.ArchiveBucket != "" {
		exporter, err := archive.NewExporter(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, logger)
		if err != nil {
			logger.Fatal("init archive exporter", zap.Error(err))
		}
		eventSink, jobSink = exporter, exporter
	}

	bus := eventbus.New(st, registry, logger, eventbus.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		FailureSink:    eventSink,
	})
	queue := jobqueue.New(st, registry, logger, jobqueue.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		FailureSink:    jobSink,
	})
	locker := locks.NewManager(st, logger)
	tracker := budget.NewTracker(st, plans, logger)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("autopilot-%d", os.Getpid())
		}
	}

	runtime := autopilot.NewRuntime(autopilot.Config{
		WorkerID:            workerID,
		LockTTL:             cfg.CycleLockTTL,
		EventBatchSize:      cfg.EventBatchSize,
		JobBatchSize:        cfg.JobBatchSize,
		StuckJobThreshold:   cfg.StuckJobThreshold,
		StaleEventThreshold: cfg.StaleEventThreshold,
		TickInterval:        cfg.CycleInterval,
	}, locker, bus, queue, logger)

	if cfg.CycleInterval > 0 {
		if err := runtime.Start(ctx); err != nil {
			logger.Fatal("start runtime", zap.Error(err))
		}
		defer runtime.Stop()
	}

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, bus, queue, tracker, runtime, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("autopilot listening",
		zap.String("port", cfg.HTTPPort),
		zap.String("worker_id", workerID),
		zap.String("store", cfg.StoreDriver))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// registerHandlers binds the collaborator-facing handlers. The real channel
// and provisioning integrations live outside this service and are registered
// by the deployment; the defaults below keep a bare install functional.
func registerHandlers(registry *dispatch.Registry, logger *zap.Logger) {
	registry.RegisterEvent("noop", func(context.Context, models.Event) error { return nil })
	registry.RegisterJob("noop", func(ctx context.Context, _ models.Job, progress dispatch.ProgressFunc) (map[string]any, error) {
		_ = progress(ctx, 100)
		return map[string]any{"ok": true}, nil
	})
	logger.Debug("default handlers registered")
}
