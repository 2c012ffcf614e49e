// Package store contains the persistence layer for the autopilot core.
//
// All cross-invocation coordination happens through rows in this layer: the
// service may run as several concurrent instances with no shared memory, so
// lock acquisition, job claiming and budget increments must each be a single
// atomic statement, never read-then-write from the application.
package store

import (
	"context"
	"time"

	"github.com/pilar-systems/autopilot/internal/models"
)

// LockStore persists named, time-bounded exclusive locks.
type LockStore interface {
	// AcquireLock claims resource for owner until now+ttl. It returns
	// (nil, nil) when an unexpired lock held by a different owner exists;
	// contention is an expected outcome, not an error. Re-acquiring a lock
	// already held by the same owner refreshes its expiry.
	AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration, requestedBy string) (*models.Lock, error)

	// ReleaseLock removes the lock if resource is still held by owner.
	// Releasing an absent or foreign lock is a no-op.
	ReleaseLock(ctx context.Context, resource, owner string) error

	// IsLocked reports whether an unexpired lock exists for resource.
	IsLocked(ctx context.Context, resource string) (bool, error)

	// DeleteExpiredLocks removes all lock rows past their expiry and
	// returns the number removed.
	DeleteExpiredLocks(ctx context.Context) (int, error)
}

// BudgetStore persists per-workspace, per-resource-type consumption counters.
type BudgetStore interface {
	// BudgetConsumed returns the counter for the period containing
	// periodStart, zero if absent.
	BudgetConsumed(ctx context.Context, workspaceID, resourceType string, periodStart time.Time) (int, error)

	// AddBudgetConsumption increments the counter for the given period,
	// creating it when absent. The increment is unconditional; admission
	// control happens before the corresponding enqueue.
	AddBudgetConsumption(ctx context.Context, workspaceID, resourceType string, amount, limit int, periodStart, periodEnd time.Time) error
}

// EventStore persists durable events.
type EventStore interface {
	InsertEvent(ctx context.Context, evt models.Event) error
	GetEvent(ctx context.Context, id string) (models.Event, error)

	// ClaimDueEvents atomically moves up to limit pending events whose
	// scheduled_at has passed into processing and returns them, oldest
	// scheduled_at first across all workspaces.
	ClaimDueEvents(ctx context.Context, limit int, now time.Time) ([]models.Event, error)

	// CompleteEvent marks the event completed and clears its error.
	CompleteEvent(ctx context.Context, id string) error

	// RetryEvent returns the event to pending with the given attempt count
	// and a deferred scheduled_at.
	RetryEvent(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error

	// FailEvent marks the event terminally failed.
	FailEvent(ctx context.Context, id string, attempts int, lastErr string) error

	// ReleaseStaleEvents returns processing events last touched before
	// cutoff to pending with attempts incremented, and reports how many.
	ReleaseStaleEvents(ctx context.Context, cutoff time.Time) (int, error)

	// CountEventsByStatus returns status counts, optionally scoped to one
	// workspace (empty string means all).
	CountEventsByStatus(ctx context.Context, workspaceID string) (models.StatusCounts, error)
}

// JobStore persists durable, priority-ordered jobs.
type JobStore interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)

	// ClaimDueJobs atomically claims up to limit pending jobs whose
	// scheduled_at has passed for workerID, ordered by priority descending
	// then scheduled_at ascending. Each returned job has been moved to
	// in_progress with locked_by/locked_at set; no concurrent caller can
	// claim the same job.
	ClaimDueJobs(ctx context.Context, limit int, workerID string, now time.Time) ([]models.Job, error)

	// SetJobProgress records partial progress without touching the claim.
	SetJobProgress(ctx context.Context, id string, progress int) error

	// CompleteJob marks the job completed with its result and releases the
	// claim.
	CompleteJob(ctx context.Context, id string, result map[string]any) error

	// RetryJob returns the job to pending with the claim cleared.
	RetryJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error

	// FailJob marks the job terminally failed with the claim cleared.
	FailJob(ctx context.Context, id string, attempts int, lastErr string) error

	// ReleaseStuckJobs resets in_progress jobs whose locked_at is before
	// cutoff back to pending, clearing the claim and incrementing
	// attempts. Returns how many were released.
	ReleaseStuckJobs(ctx context.Context, cutoff time.Time) (int, error)

	// QueueDepth counts pending jobs, optionally scoped to one workspace.
	QueueDepth(ctx context.Context, workspaceID string) (int, error)

	// CountJobsByStatus returns status counts, optionally scoped to one
	// workspace.
	CountJobsByStatus(ctx context.Context, workspaceID string) (models.StatusCounts, error)
}

// Store is the full persistence surface used by the service wiring.
type Store interface {
	LockStore
	BudgetStore
	EventStore
	JobStore
}
