package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pilar-systems/autopilot/internal/models"
)

// Memory implements Store entirely in process, guarded by one mutex so every
// operation is as atomic as its SQL counterpart. It backs the test suite and
// STORE_DRIVER=memory local runs; it is not suitable for multi-instance
// deployments.
type Memory struct {
	mu      sync.Mutex
	locks   map[string]models.Lock
	budgets map[string]*models.BudgetCounter
	events  map[string]*models.Event
	jobs    map[string]*models.Job
}

func NewMemory() *Memory {
	return &Memory{
		locks:   make(map[string]models.Lock),
		budgets: make(map[string]*models.BudgetCounter),
		events:  make(map[string]*models.Event),
		jobs:    make(map[string]*models.Job),
	}
}

func (m *Memory) AcquireLock(_ context.Context, resource, owner string, ttl time.Duration, requestedBy string) (*models.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.locks[resource]; ok && !existing.Expired(now) && existing.Owner != owner {
		return nil, nil
	}
	lock := models.Lock{
		ResourceName: resource,
		Owner:        owner,
		RequestedBy:  requestedBy,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
	}
	m.locks[resource] = lock
	return &lock, nil
}

func (m *Memory) ReleaseLock(_ context.Context, resource, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[resource]; ok && existing.Owner == owner {
		delete(m.locks, resource)
	}
	return nil
}

func (m *Memory) IsLocked(_ context.Context, resource string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[resource]
	return ok && !lock.Expired(time.Now().UTC()), nil
}

func (m *Memory) DeleteExpiredLocks(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for name, lock := range m.locks {
		if lock.Expired(now) {
			delete(m.locks, name)
			removed++
		}
	}
	return removed, nil
}

func budgetKey(workspaceID, resourceType string, periodStart time.Time) string {
	return workspaceID + "|" + resourceType + "|" + periodStart.UTC().Format(time.RFC3339)
}

func (m *Memory) BudgetConsumed(_ context.Context, workspaceID, resourceType string, periodStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.budgets[budgetKey(workspaceID, resourceType, periodStart)]; ok {
		return c.Consumed, nil
	}
	return 0, nil
}

func (m *Memory) AddBudgetConsumption(_ context.Context, workspaceID, resourceType string, amount, limit int, periodStart, periodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := budgetKey(workspaceID, resourceType, periodStart)
	if c, ok := m.budgets[key]; ok {
		c.Consumed += amount
		c.Limit = limit
		return nil
	}
	m.budgets[key] = &models.BudgetCounter{
		WorkspaceID:  workspaceID,
		ResourceType: resourceType,
		Consumed:     amount,
		Limit:        limit,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
	}
	return nil
}

func (m *Memory) InsertEvent(_ context.Context, evt models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := evt
	m.events[evt.ID] = &cp
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.events[id]; ok {
		return *evt, nil
	}
	return models.Event{}, ErrNotFound
}

func (m *Memory) ClaimDueEvents(_ context.Context, limit int, now time.Time) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Event
	for _, evt := range m.events {
		if evt.Status == models.EventPending && !evt.ScheduledAt.After(now) {
			due = append(due, evt)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Event, 0, len(due))
	for _, evt := range due {
		evt.Status = models.EventProcessing
		evt.UpdatedAt = now
		out = append(out, *evt)
	}
	return out, nil
}

func (m *Memory) CompleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.events[id]; ok {
		evt.Status = models.EventCompleted
		evt.LastError = nil
		evt.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) RetryEvent(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.events[id]; ok {
		evt.Status = models.EventPending
		evt.Attempts = attempts
		evt.ScheduledAt = nextRun
		evt.LastError = &lastErr
		evt.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) FailEvent(_ context.Context, id string, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.events[id]; ok {
		evt.Status = models.EventFailed
		evt.Attempts = attempts
		evt.LastError = &lastErr
		evt.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) ReleaseStaleEvents(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, evt := range m.events {
		if evt.Status == models.EventProcessing && evt.UpdatedAt.Before(cutoff) {
			evt.Status = models.EventPending
			evt.Attempts++
			evt.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

func (m *Memory) CountEventsByStatus(_ context.Context, workspaceID string) (models.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := models.StatusCounts{}
	for _, evt := range m.events {
		if workspaceID == "" || evt.WorkspaceID == workspaceID {
			counts[evt.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) InsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		return *job, nil
	}
	return models.Job{}, ErrNotFound
}

func (m *Memory) ClaimDueJobs(_ context.Context, limit int, workerID string, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Job
	for _, job := range m.jobs {
		if job.Status == models.JobPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Job, 0, len(due))
	for _, job := range due {
		lockedAt := now
		worker := workerID
		job.Status = models.JobInProgress
		job.LockedBy = &worker
		job.LockedAt = &lockedAt
		job.UpdatedAt = now
		out = append(out, *job)
	}
	return out, nil
}

func (m *Memory) SetJobProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Progress = progress
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = models.JobCompleted
		job.Progress = 100
		job.Result = result
		job.LastError = nil
		job.LockedBy = nil
		job.LockedAt = nil
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) RetryJob(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = models.JobPending
		job.Attempts = attempts
		job.ScheduledAt = nextRun
		job.LastError = &lastErr
		job.LockedBy = nil
		job.LockedAt = nil
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) FailJob(_ context.Context, id string, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = models.JobFailed
		job.Attempts = attempts
		job.LastError = &lastErr
		job.LockedBy = nil
		job.LockedAt = nil
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) ReleaseStuckJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, job := range m.jobs {
		if job.Status == models.JobInProgress && job.LockedAt != nil && job.LockedAt.Before(cutoff) {
			job.Status = models.JobPending
			job.Attempts++
			job.LockedBy = nil
			job.LockedAt = nil
			job.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

func (m *Memory) QueueDepth(_ context.Context, workspaceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.Status == models.JobPending && (workspaceID == "" || job.WorkspaceID == workspaceID) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountJobsByStatus(_ context.Context, workspaceID string) (models.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := models.StatusCounts{}
	for _, job := range m.jobs {
		if workspaceID == "" || job.WorkspaceID == workspaceID {
			counts[job.Status]++
		}
	}
	return counts, nil
}
