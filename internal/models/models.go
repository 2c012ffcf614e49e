package models

import (
	"time"
)

// Event statuses persisted in Postgres.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventFailed     = "failed"
)

// Job statuses persisted in Postgres.
const (
	JobPending    = "pending"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Event is a durable, typed, at-least-once notification owned by a workspace.
type Event struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastError   *string        `json:"last_error,omitempty"`
}

// Job is a durable, priority-ordered, progress-tracked unit of work.
// A job with status in_progress always has LockedBy and LockedAt set.
type Job struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
}

// Lock is a time-bounded exclusive claim on a named resource. Locks are
// system-scoped, not workspace-scoped; they serialize singleton operations
// such as the processing cycle across concurrent instances.
type Lock struct {
	ResourceName string        `json:"resource_name"`
	Owner        string        `json:"owner"`
	RequestedBy  string        `json:"requested_by"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	TTL          time.Duration `json:"ttl_ms"`
}

// Expired reports whether the lock is past its expiry at the given instant.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// BudgetCounter tracks consumption of a bounded resource per workspace per
// period.
type BudgetCounter struct {
	WorkspaceID  string    `json:"workspace_id"`
	ResourceType string    `json:"resource_type"`
	Consumed     int       `json:"consumed"`
	Limit        int       `json:"limit"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

// BudgetUsage is the observability view of one resource budget.
type BudgetUsage struct {
	Consumed  int `json:"consumed"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// StatusCounts maps status name to row count for events or jobs.
type StatusCounts map[string]int

// CycleReport aggregates the outcome of one processing cycle.
type CycleReport struct {
	Skipped           bool          `json:"skipped"`
	EventsProcessed   int           `json:"events_processed"`
	JobsProcessed     int           `json:"jobs_processed"`
	StuckJobsReleased int           `json:"stuck_jobs_released"`
	StaleEventsFreed  int           `json:"stale_events_freed"`
	LocksCleanedUp    int           `json:"locks_cleaned_up"`
	Duration          time.Duration `json:"-"`
	DurationMs        int64         `json:"duration_ms"`
}
