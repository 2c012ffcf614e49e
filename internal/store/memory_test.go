package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilar-systems/autopilot/internal/models"
)

func TestConcurrentJobClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const jobs = 100
	now := time.Now().UTC()
	for i := 0; i < jobs; i++ {
		require.NoError(t, m.InsertJob(ctx, models.Job{
			ID:          fmt.Sprintf("job-%d", i),
			WorkspaceID: "w1",
			Type:        "step",
			Status:      models.JobPending,
			MaxAttempts: 3,
			ScheduledAt: now.Add(-time.Minute),
			CreatedAt:   now,
		}))
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := make(map[string]string)

	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := m.ClaimDueJobs(ctx, 5, workerID, time.Now().UTC())
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, job := range batch {
					if prev, dup := claims[job.ID]; dup {
						t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
					}
					claims[job.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claims, jobs, "every job claimed exactly once")
}

func TestConcurrentLockAcquire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const attempts = 32
	var wg sync.WaitGroup
	var won int32
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := m.AcquireLock(ctx, "shared", owner, time.Minute, owner)
			assert.NoError(t, err)
			if lock != nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, won)
}

func TestEventClaimOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now().UTC()
	for i, offset := range []time.Duration{3, 1, 2} {
		require.NoError(t, m.InsertEvent(ctx, models.Event{
			ID:          fmt.Sprintf("evt-%d", i),
			WorkspaceID: "w1",
			Type:        "tick",
			Status:      models.EventPending,
			MaxAttempts: 3,
			ScheduledAt: now.Add(-time.Minute + offset*time.Second),
			CreatedAt:   now,
		}))
	}

	batch, err := m.ClaimDueEvents(ctx, 2, now)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "evt-1", batch[0].ID, "earliest scheduled_at first")
	assert.Equal(t, "evt-2", batch[1].ID)

	for _, evt := range batch {
		assert.Equal(t, models.EventProcessing, evt.Status)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetEvent(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBudgetCounterAccumulates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	require.NoError(t, m.AddBudgetConsumption(ctx, "w1", "events", 3, 100, start, end))
	require.NoError(t, m.AddBudgetConsumption(ctx, "w1", "events", 4, 100, start, end))

	consumed, err := m.BudgetConsumed(ctx, "w1", "events", start)
	require.NoError(t, err)
	assert.Equal(t, 7, consumed)

	// Different resource type and period are independent counters.
	consumed, err = m.BudgetConsumed(ctx, "w1", "jobs", start)
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
	consumed, err = m.BudgetConsumed(ctx, "w1", "events", end)
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
}
