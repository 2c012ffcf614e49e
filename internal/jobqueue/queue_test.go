package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilar-systems/autopilot/internal/dispatch"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/store"
)

func newQueue(t *testing.T, registry *dispatch.Registry) (*Queue, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	q := New(st, registry, nil, Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	return q, st
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	q, st := newQueue(t, dispatch.NewRegistry(nil))

	job, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w1", Type: "provision.workspace", Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Nil(t, job.LockedBy)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "provision.workspace", stored.Type)
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	registry := dispatch.NewRegistry(nil)

	var order []int
	registry.RegisterJob("step", func(_ context.Context, job models.Job, _ dispatch.ProgressFunc) (map[string]any, error) {
		order = append(order, job.Priority)
		return nil, nil
	})

	q, _ := newQueue(t, registry)
	scheduledAt := time.Now().UTC().Add(-time.Second)
	for _, priority := range []int{1, 10, 5} {
		_, err := q.Enqueue(ctx, EnqueueOptions{
			WorkspaceID: "w1",
			Type:        "step",
			Priority:    priority,
			ScheduledAt: scheduledAt,
		})
		require.NoError(t, err)
	}

	n, err := q.ProcessPending(ctx, 3, "worker1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{10, 5, 1}, order, "highest priority runs first")
}

func TestCompleteRecordsResultAndProgress(t *testing.T) {
	ctx := context.Background()
	registry := dispatch.NewRegistry(nil)
	registry.RegisterJob("provision", func(ctx context.Context, _ models.Job, progress dispatch.ProgressFunc) (map[string]any, error) {
		require.NoError(t, progress(ctx, 50))
		return map[string]any{"instanceId": "i-42"}, nil
	})

	q, st := newQueue(t, registry)
	job, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w1", Type: "provision"})
	require.NoError(t, err)

	_, err = q.ProcessPending(ctx, 1, "worker1")
	require.NoError(t, err)

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "i-42", final.Result["instanceId"])
	assert.Nil(t, final.LockedBy, "claim released on completion")
	assert.Nil(t, final.LockedAt)
}

func TestRetryThenTerminalFailure(t *testing.T) {
	ctx := context.Background()
	registry := dispatch.NewRegistry(nil)
	registry.RegisterJob("flaky", func(_ context.Context, _ models.Job, _ dispatch.ProgressFunc) (map[string]any, error) {
		return nil, errors.New("provider 503")
	})

	q, st := newQueue(t, registry)
	job, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w1", Type: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	_, err = q.ProcessPending(ctx, 1, "worker1")
	require.NoError(t, err)

	mid, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, mid.Status, "attempts remain, job requeued")
	assert.Equal(t, 1, mid.Attempts)

	time.Sleep(10 * time.Millisecond)
	_, err = q.ProcessPending(ctx, 1, "worker1")
	require.NoError(t, err)

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "provider 503")

	n, err := q.ProcessPending(ctx, 1, "worker1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "terminal failures are never retried")
}

func TestClaimSetsWorkerAttribution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	job := models.Job{
		ID:          "j1",
		WorkspaceID: "w1",
		Type:        "step",
		Status:      models.JobPending,
		MaxAttempts: 3,
		ScheduledAt: time.Now().UTC().Add(-time.Second),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertJob(ctx, job))

	claimed, err := st.ClaimDueJobs(ctx, 1, "worker-7", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.JobInProgress, claimed[0].Status)
	require.NotNil(t, claimed[0].LockedBy)
	assert.Equal(t, "worker-7", *claimed[0].LockedBy)
	assert.NotNil(t, claimed[0].LockedAt)
}

func TestReleaseStuck(t *testing.T) {
	ctx := context.Background()
	q, st := newQueue(t, dispatch.NewRegistry(nil))

	job, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w1", Type: "step"})
	require.NoError(t, err)

	// Claim and never complete: the worker is presumed dead.
	claimed, err := st.ClaimDueJobs(ctx, 1, "dead-worker", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := q.ReleaseStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, released, "fresh claims are not stuck")

	time.Sleep(5 * time.Millisecond)
	released, err = q.ReleaseStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.Nil(t, final.LockedBy)
	assert.Nil(t, final.LockedAt)

	// Eligible for re-claim by a live worker.
	reclaimed, err := st.ClaimDueJobs(ctx, 1, "worker-2", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.ID, reclaimed[0].ID)
}

func TestUpdateProgressClamps(t *testing.T) {
	ctx := context.Background()
	q, st := newQueue(t, dispatch.NewRegistry(nil))

	job, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w1", Type: "step"})
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, 150))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, -5))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestDepthAndStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, dispatch.NewRegistry(nil))

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w1", Type: "step"})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, EnqueueOptions{WorkspaceID: "w2", Type: "step"})
	require.NoError(t, err)

	depth, err := q.Depth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, depth)

	depth, err = q.Depth(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	stats, err := q.Stats(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.JobPending])
}

func TestDeferredJobNotEligible(t *testing.T) {
	ctx := context.Background()
	registry := dispatch.NewRegistry(nil)
	registry.RegisterJob("later", func(_ context.Context, _ models.Job, _ dispatch.ProgressFunc) (map[string]any, error) {
		return nil, nil
	})

	q, _ := newQueue(t, registry)
	_, err := q.Enqueue(ctx, EnqueueOptions{
		WorkspaceID: "w1",
		Type:        "later",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	n, err := q.ProcessPending(ctx, 10, "worker1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
