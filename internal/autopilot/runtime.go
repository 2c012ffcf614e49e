// Package autopilot orchestrates the processing cycle: one bounded pass over
// pending events and jobs, protected by a distributed lock so concurrent
// instances never run duplicate cycles.
package autopilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/eventbus"
	"github.com/pilar-systems/autopilot/internal/jobqueue"
	"github.com/pilar-systems/autopilot/internal/locks"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/telemetry"
)

// ProcessLockResource names the global lock serializing processing cycles.
const ProcessLockResource = "autopilot-process"

// Config tunes the runtime. LockTTL must sit below the hard wall-clock
// ceiling of whatever invokes the cycle, so a crashed cycle's lock expires
// before the next scheduled invocation gives up.
type Config struct {
	WorkerID            string
	LockTTL             time.Duration
	EventBatchSize      int
	JobBatchSize        int
	StuckJobThreshold   time.Duration
	StaleEventThreshold time.Duration
	TickInterval        time.Duration // 0 disables the internal ticker
}

// Runtime is the process-scoped orchestrator state. It is constructed and
// injected explicitly rather than held in package-level variables, so tests
// and multi-instance deployments don't share hidden state. The runtime keeps
// no persisted state of its own; each cycle runs to completion and returns.
type Runtime struct {
	cfg    Config
	locker *locks.Manager
	events *eventbus.Bus
	jobs   *jobqueue.Queue
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	stop      context.CancelFunc
	done      chan struct{}
	lastCycle *models.CycleReport
	lastError string
	cycles    int64
}

func NewRuntime(cfg Config, locker *locks.Manager, events *eventbus.Bus, jobs *jobqueue.Queue, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = jobqueue.NewWorkerID("autopilot")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 55 * time.Second
	}
	if cfg.EventBatchSize <= 0 {
		cfg.EventBatchSize = 25
	}
	if cfg.JobBatchSize <= 0 {
		cfg.JobBatchSize = 10
	}
	if cfg.StuckJobThreshold <= 0 {
		cfg.StuckJobThreshold = 5 * time.Minute
	}
	if cfg.StaleEventThreshold <= 0 {
		cfg.StaleEventThreshold = 5 * time.Minute
	}
	return &Runtime{
		cfg:    cfg,
		locker: locker,
		events: events,
		jobs:   jobs,
		logger: logger,
	}
}

// RunCycle executes one full processing cycle. A contended lock is the
// expected steady-state outcome when another instance is mid-cycle: the
// report comes back Skipped with no error. Infrastructure errors propagate,
// but only after the lock release has been attempted.
func (r *Runtime) RunCycle(ctx context.Context) (models.CycleReport, error) {
	started := time.Now()
	owner := r.cfg.WorkerID + "-" + uuid.New().String()[:8]

	lock, err := r.locker.Acquire(ctx, ProcessLockResource, owner, r.cfg.LockTTL, r.cfg.WorkerID)
	if err != nil {
		return models.CycleReport{}, fmt.Errorf("acquire process lock: %w", err)
	}
	if lock == nil {
		telemetry.CyclesSkipped.Inc()
		r.logger.Info("cycle skipped, another cycle running")
		report := models.CycleReport{Skipped: true}
		r.record(report, nil)
		return report, nil
	}

	report := models.CycleReport{}
	err = func() error {
		defer func() {
			// Release must run even when a drain step fails, so a
			// transient infra blip can't wedge the lock past its TTL.
			if rerr := lock.Release(ctx); rerr != nil {
				r.logger.Error("release process lock", zap.Error(rerr))
			}
		}()

		n, err := r.events.ProcessPending(ctx, r.cfg.EventBatchSize)
		report.EventsProcessed = n
		if err != nil {
			return fmt.Errorf("process events: %w", err)
		}

		n, err = r.jobs.ProcessPending(ctx, r.cfg.JobBatchSize, r.cfg.WorkerID)
		report.JobsProcessed = n
		if err != nil {
			return fmt.Errorf("process jobs: %w", err)
		}

		n, err = r.jobs.ReleaseStuck(ctx, r.cfg.StuckJobThreshold)
		report.StuckJobsReleased = n
		if err != nil {
			return fmt.Errorf("release stuck jobs: %w", err)
		}

		n, err = r.events.ReleaseStale(ctx, r.cfg.StaleEventThreshold)
		report.StaleEventsFreed = n
		if err != nil {
			return fmt.Errorf("release stale events: %w", err)
		}

		n, err = r.locker.CleanupExpired(ctx)
		report.LocksCleanedUp = n
		if err != nil {
			return fmt.Errorf("cleanup expired locks: %w", err)
		}
		return nil
	}()

	report.Duration = time.Since(started)
	report.DurationMs = report.Duration.Milliseconds()
	telemetry.CycleDuration.Observe(report.Duration.Seconds())
	if depth, derr := r.jobs.Depth(ctx, ""); derr == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	r.record(report, err)

	if err != nil {
		return report, err
	}
	r.logger.Info("cycle complete",
		zap.Int("events_processed", report.EventsProcessed),
		zap.Int("jobs_processed", report.JobsProcessed),
		zap.Int("stuck_jobs_released", report.StuckJobsReleased),
		zap.Int("stale_events_freed", report.StaleEventsFreed),
		zap.Int("locks_cleaned_up", report.LocksCleanedUp),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Runtime) record(report models.CycleReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
	r.lastCycle = &report
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
}

// Start launches the internal ticker. It is optional: deployments with an
// external cron trigger cycles via RunCycle and never call Start.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runtime already running")
	}
	if r.cfg.TickInterval <= 0 {
		return fmt.Errorf("runtime has no tick interval configured")
	}

	tickCtx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	r.done = make(chan struct{})
	r.running = true

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunCycle(tickCtx); err != nil {
					r.logger.Error("scheduled cycle failed", zap.Error(err))
				}
			}
		}
	}()
	r.logger.Info("runtime started", zap.Duration("interval", r.cfg.TickInterval))
	return nil
}

// Stop halts the internal ticker and waits for any in-flight cycle to
// return. Stopping an idle runtime is a no-op.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	stop()
	<-done
	r.logger.Info("runtime stopped")
}

// Status describes the runtime for observability endpoints.
type Status struct {
	WorkerID  string              `json:"worker_id"`
	Running   bool                `json:"running"`
	Cycles    int64               `json:"cycles"`
	LastCycle *models.CycleReport `json:"last_cycle,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		WorkerID:  r.cfg.WorkerID,
		Running:   r.running,
		Cycles:    r.cycles,
		LastCycle: r.lastCycle,
		LastError: r.lastError,
	}
}
