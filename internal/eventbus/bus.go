// Package eventbus delivers durable, typed events at least once.
package eventbus

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

// FailureSink receives a record of each terminal failure for operator
// follow-up. It may be nil; failures are always queryable via status reads
// regardless.
type FailureSink interface {
	RecordEventFailure(ctx context.Context, evt models.Event)
}

// Bus publishes and processes events.
type Bus struct {
	store          store.EventStore
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

func New(st store.EventStore, registry *dispatch.Registry, logger *zap.Logger, opts Options) *Bus {
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
	return &Bus{
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

// PublishOptions describes one event to enqueue.
type PublishOptions struct {
	WorkspaceID string
	Type        string
	Payload     map[string]any
	ScheduledAt time.Time // zero means immediately eligible
	MaxAttempts int       // zero means the bus default
}

// Publish persists a new pending event. It completes in a single persistence
// round-trip and never blocks on handler execution.
func (b *Bus) Publish(ctx context.Context, opts PublishOptions) (models.Event, error) {
	now := b.now().UTC()
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.maxAttempts
	}
	if opts.Payload == nil {
		opts.Payload = map[string]any{}
	}
	evt := models.Event{
		ID:          uuid.New().String(),
		WorkspaceID: opts.WorkspaceID,
		Type:        opts.Type,
		Payload:     opts.Payload,
		Status:      models.EventPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.InsertEvent(ctx, evt); err != nil {
		return models.Event{}, err
	}
	telemetry.EventsEnqueued.Inc()
	b.logger.Debug("event published",
		zap.String("event_id", evt.ID),
		zap.String("workspace_id", evt.WorkspaceID),
		zap.String("type", evt.Type))
	return evt, nil
}

// ProcessPending claims up to batchSize due events, oldest first across all
// workspaces, and dispatches each. It returns the number of events attempted
// regardless of individual outcomes.
func (b *Bus) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	now := b.now().UTC()
	batch, err := b.store.ClaimDueEvents(ctx, batchSize, now)
	if err != nil {
		return 0, err
	}
	// Claim order is not guaranteed by the store; dispatch oldest first.
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].ScheduledAt.Before(batch[j].ScheduledAt)
	})

	for _, evt := range batch {
		b.handle(ctx, evt)
	}
	return len(batch), nil
}

func (b *Bus) handle(ctx context.Context, evt models.Event) {
	err := b.registry.DispatchEvent(ctx, evt)
	if err == nil {
		if err := b.store.CompleteEvent(ctx, evt.ID); err != nil {
			b.logger.Error("mark event completed", zap.String("event_id", evt.ID), zap.Error(err))
			return
		}
		telemetry.EventsCompleted.Inc()
		return
	}

	attempts := evt.Attempts + 1
	if attempts < evt.MaxAttempts {
		nextRun := b.now().UTC().Add(backoff.WithJitter(b.backoffInitial, b.backoffMax, attempts))
		if err := b.store.RetryEvent(ctx, evt.ID, attempts, nextRun, err.Error()); err != nil {
			b.logger.Error("requeue event", zap.String("event_id", evt.ID), zap.Error(err))
			return
		}
		telemetry.EventsRetried.Inc()
		b.logger.Warn("event handler failed, will retry",
			zap.String("event_id", evt.ID),
			zap.String("type", evt.Type),
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", evt.MaxAttempts),
			zap.Error(err))
		return
	}

	if ferr := b.store.FailEvent(ctx, evt.ID, attempts, err.Error()); ferr != nil {
		b.logger.Error("mark event failed", zap.String("event_id", evt.ID), zap.Error(ferr))
		return
	}
	telemetry.EventsFailed.Inc()
	b.logger.Error("event failed terminally",
		zap.String("event_id", evt.ID),
		zap.String("workspace_id", evt.WorkspaceID),
		zap.String("type", evt.Type),
		zap.Int("attempts", attempts),
		zap.Error(err))
	if b.sink != nil {
		evt.Attempts = attempts
		evt.Status = models.EventFailed
		msg := err.Error()
		evt.LastError = &msg
		b.sink.RecordEventFailure(ctx, evt)
	}
}

// ReleaseStale requeues events stuck in processing longer than threshold,
// the crash-recovery analog of the job queue's stuck sweep. Handlers are
// retry-safe by contract, so a requeued duplicate delivery is acceptable.
func (b *Bus) ReleaseStale(ctx context.Context, threshold time.Duration) (int, error) {
	return b.store.ReleaseStaleEvents(ctx, b.now().UTC().Add(-threshold))
}

// Stats returns event counts by status, optionally scoped to a workspace.
func (b *Bus) Stats(ctx context.Context, workspaceID string) (models.StatusCounts, error) {
	return b.store.CountEventsByStatus(ctx, workspaceID)
}

// Get fetches one event by id.
func (b *Bus) Get(ctx context.Context, id string) (models.Event, error) {
	return b.store.GetEvent(ctx, id)
}
