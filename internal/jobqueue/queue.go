// Package jobqueue is the durable work queue for longer-running, priority
// ordered jobs with progress tracking and crash recovery.
package jobqueue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/backoff"
	"github.com/pilar-systems/autopilot/internal/dispatch"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/store"
	"github.com/pilar-systems/autopilot/internal/telemetry"
)

// FailureSink mirrors eventbus.FailureSink for terminally failed jobs.
type FailureSink interface {
	RecordJobFailure(ctx context.Context, job models.Job)
}

// Queue enqueues and processes jobs.
type Queue struct {
	store          store.JobStore
	registry       *dispatch.Registry
	logger         *zap.Logger
	sink           FailureSink
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
}

// Options tunes retry behavior; zero values fall back to defaults.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	FailureSink    FailureSink
}

func New(st store.JobStore, registry *dispatch.Registry, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Queue{
		store:          st,
		registry:       registry,
		logger:         logger,
		sink:           opts.FailureSink,
		maxAttempts:    opts.MaxAttempts,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		now:            time.Now,
	}
}

// EnqueueOptions describes one job.
type EnqueueOptions struct {
	WorkspaceID string
	Type        string
	Payload     map[string]any
	Priority    int       // higher runs first
	ScheduledAt time.Time // zero means immediately eligible
	MaxAttempts int       // zero means the queue default
}

// Enqueue persists a new pending job. Like event publishing it is a single
// persistence round-trip and never blocks on handler execution.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (models.Job, error) {
	now := q.now().UTC()
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	if opts.Payload == nil {
		opts.Payload = map[string]any{}
	}
	job := models.Job{
		ID:          uuid.New().String(),
		WorkspaceID: opts.WorkspaceID,
		Type:        opts.Type,
		Payload:     opts.Payload,
		Priority:    opts.Priority,
		Status:      models.JobPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.Inc()
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("workspace_id", job.WorkspaceID),
		zap.String("type", job.Type),
		zap.Int("priority", job.Priority))
	return job, nil
}

// ProcessPending claims up to batchSize due jobs for workerID and runs each
// to completion or failure. Higher priority first, FIFO within a priority.
// There is no priority aging: sustained high-priority load can starve
// low-priority jobs indefinitely.
func (q *Queue) ProcessPending(ctx context.Context, batchSize int, workerID string) (int, error) {
	now := q.now().UTC()
	batch, err := q.store.ClaimDueJobs(ctx, batchSize, workerID, now)
	if err != nil {
		return 0, err
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].ScheduledAt.Before(batch[j].ScheduledAt)
	})

	for _, job := range batch {
		q.run(ctx, job)
	}
	return len(batch), nil
}

func (q *Queue) run(ctx context.Context, job models.Job) {
	progress := func(ctx context.Context, pct int) error {
		return q.UpdateProgress(ctx, job.ID, pct)
	}

	result, err := q.registry.DispatchJob(ctx, job, progress)
	if err == nil {
		if err := q.store.CompleteJob(ctx, job.ID, result); err != nil {
			q.logger.Error("mark job completed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		telemetry.JobsCompleted.Inc()
		return
	}
	q.fail(ctx, job, err)
}

func (q *Queue) fail(ctx context.Context, job models.Job, cause error) {
	attempts := job.Attempts + 1
	if attempts < job.MaxAttempts {
		nextRun := q.now().UTC().Add(backoff.WithJitter(q.backoffInitial, q.backoffMax, attempts))
		if err := q.store.RetryJob(ctx, job.ID, attempts, nextRun, cause.Error()); err != nil {
			q.logger.Error("requeue job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		telemetry.JobsRetried.Inc()
		q.logger.Warn("job handler failed, will retry",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(cause))
		return
	}

	if err := q.store.FailJob(ctx, job.ID, attempts, cause.Error()); err != nil {
		q.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	telemetry.JobsFailed.Inc()
	q.logger.Error("job failed terminally",
		zap.String("job_id", job.ID),
		zap.String("workspace_id", job.WorkspaceID),
		zap.String("type", job.Type),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	if q.sink != nil {
		job.Attempts = attempts
		job.Status = models.JobFailed
		msg := cause.Error()
		job.LastError = &msg
		q.sink.RecordJobFailure(ctx, job)
	}
}

// UpdateProgress records partial progress for a running job. It does not
// change claim ownership; progress is clamped to 0-100.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return q.store.SetJobProgress(ctx, jobID, progress)
}

// ReleaseStuck resets in_progress jobs whose claim is older than threshold
// back to pending, with attempts incremented. This is the queue's crash
// recovery and runs on every processing cycle.
func (q *Queue) ReleaseStuck(ctx context.Context, threshold time.Duration) (int, error) {
	released, err := q.store.ReleaseStuckJobs(ctx, q.now().UTC().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		telemetry.StuckJobsReleased.Add(float64(released))
		q.logger.Warn("released stuck jobs", zap.Int("count", released))
	}
	return released, nil
}

// Depth counts pending jobs, optionally scoped to a workspace.
func (q *Queue) Depth(ctx context.Context, workspaceID string) (int, error) {
	return q.store.QueueDepth(ctx, workspaceID)
}

// Stats returns job counts by status, optionally scoped to a workspace.
func (q *Queue) Stats(ctx context.Context, workspaceID string) (models.StatusCounts, error) {
	return q.store.CountJobsByStatus(ctx, workspaceID)
}

// Get fetches one job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// NewWorkerID returns a process-unique worker identifier for claim
// attribution.
func NewWorkerID(prefix string) string {
	if prefix == "" {
		prefix = "worker"
	}
	return prefix + "-" + uuid.New().String()[:8]
}
