package autopilot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilar-systems/autopilot/internal/dispatch"
	"github.com/pilar-systems/autopilot/internal/eventbus"
	"github.com/pilar-systems/autopilot/internal/jobqueue"
	"github.com/pilar-systems/autopilot/internal/locks"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/store"
)

type fixture struct {
	store   store.Store
	runtime *Runtime
	bus     *eventbus.Bus
	queue   *jobqueue.Queue
	locker  *locks.Manager
}

func newFixture(t *testing.T, st store.Store, registry *dispatch.Registry) *fixture {
	t.Helper()
	bus := eventbus.New(st, registry, nil, eventbus.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	queue := jobqueue.New(st, registry, nil, jobqueue.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	locker := locks.NewManager(st, nil)
	runtime := NewRuntime(Config{
		WorkerID:       "test-worker",
		LockTTL:        5 * time.Second,
		EventBatchSize: 10,
		JobBatchSize:   10,
	}, locker, bus, queue, nil)
	return &fixture{store: st, runtime: runtime, bus: bus, queue: queue, locker: locker}
}

func TestRunCycleDrainsEventsAndJobs(t *testing.T) {
	ctx := context.Background()
	registry := dispatch.NewRegistry(nil)
	registry.RegisterEvent("lead.created", func(_ context.Context, _ models.Event) error { return nil })
	registry.RegisterJob("provision.step", func(_ context.Context, _ models.Job, _ dispatch.ProgressFunc) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	f := newFixture(t, store.NewMemory(), registry)

	evt, err := f.bus.Publish(ctx, eventbus.PublishOptions{WorkspaceID: "w1", Type: "lead.created"})
	require.NoError(t, err)
	job, err := f.queue.Enqueue(ctx, jobqueue.EnqueueOptions{WorkspaceID: "w1", Type: "provision.step"})
	require.NoError(t, err)

	report, err := f.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.EventsProcessed)
	assert.Equal(t, 1, report.JobsProcessed)
	assert.GreaterOrEqual(t, report.DurationMs, int64(0))

	gotEvt, err := f.store.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventCompleted, gotEvt.Status)
	gotJob, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, gotJob.Status)

	// The cycle released its lock: a follow-up cycle runs immediately.
	report, err = f.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), dispatch.NewRegistry(nil))

	held, err := f.locker.Acquire(ctx, ProcessLockResource, "other-instance", time.Minute, "other")
	require.NoError(t, err)
	require.NotNil(t, held)

	report, err := f.runtime.RunCycle(ctx)
	require.NoError(t, err, "contention is not an error")
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.EventsProcessed)
}

func TestRunCycleRecoversStuckWork(t *testing.T) {
	ctx := context.Background()
	registry := dispatch.NewRegistry(nil)
	registry.RegisterJob("step", func(_ context.Context, _ models.Job, _ dispatch.ProgressFunc) (map[string]any, error) {
		return nil, nil
	})

	st := store.NewMemory()
	f := newFixture(t, st, registry)
	f.runtime.cfg.StuckJobThreshold = time.Millisecond
	f.runtime.cfg.StaleEventThreshold = time.Millisecond

	// Orphan a claim and an in-flight event, as a crashed instance would.
	_, err := f.queue.Enqueue(ctx, jobqueue.EnqueueOptions{WorkspaceID: "w1", Type: "step"})
	require.NoError(t, err)
	claimed, err := st.ClaimDueJobs(ctx, 1, "dead-worker", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = f.bus.Publish(ctx, eventbus.PublishOptions{WorkspaceID: "w1", Type: "orphan"})
	require.NoError(t, err)
	claimedEvents, err := st.ClaimDueEvents(ctx, 1, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimedEvents, 1)

	// Leave an expired foreign lock behind for the sweep.
	stale, err := f.locker.Acquire(ctx, "other-resource", "dead-worker", time.Millisecond, "dead")
	require.NoError(t, err)
	require.NotNil(t, stale)

	time.Sleep(10 * time.Millisecond)

	report, err := f.runtime.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StuckJobsReleased)
	assert.Equal(t, 1, report.StaleEventsFreed)
	assert.Equal(t, 1, report.LocksCleanedUp)
}

// failingEventStore simulates persistence loss mid-cycle.
type failingEventStore struct {
	store.Store
}

func (f *failingEventStore) ClaimDueEvents(context.Context, int, time.Time) ([]models.Event, error) {
	return nil, errors.New("connection refused")
}

func TestRunCycleReleasesLockOnInfraError(t *testing.T) {
	ctx := context.Background()
	st := &failingEventStore{Store: store.NewMemory()}
	f := newFixture(t, st, dispatch.NewRegistry(nil))

	_, err := f.runtime.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process events")

	locked, err := f.locker.IsLocked(ctx, ProcessLockResource)
	require.NoError(t, err)
	assert.False(t, locked, "lock must be released even when the cycle errors")
}

func TestStatusReflectsCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), dispatch.NewRegistry(nil))

	status := f.runtime.Status()
	assert.Equal(t, "test-worker", status.WorkerID)
	assert.False(t, status.Running)
	assert.EqualValues(t, 0, status.Cycles)

	_, err := f.runtime.RunCycle(ctx)
	require.NoError(t, err)

	status = f.runtime.Status()
	assert.EqualValues(t, 1, status.Cycles)
	require.NotNil(t, status.LastCycle)
	assert.Empty(t, status.LastError)
}

func TestStartStopTicker(t *testing.T) {
	registry := dispatch.NewRegistry(nil)
	f := newFixture(t, store.NewMemory(), registry)
	f.runtime.cfg.TickInterval = 5 * time.Millisecond

	require.NoError(t, f.runtime.Start(context.Background()))
	assert.Error(t, f.runtime.Start(context.Background()), "double start is rejected")

	time.Sleep(30 * time.Millisecond)
	f.runtime.Stop()
	f.runtime.Stop() // idempotent

	status := f.runtime.Status()
	assert.False(t, status.Running)
	assert.Greater(t, status.Cycles, int64(0), "ticker ran at least one cycle")
}

func TestRuntimeWithoutIntervalRejectsStart(t *testing.T) {
	f := newFixture(t, store.NewMemory(), dispatch.NewRegistry(nil))
	assert.Error(t, f.runtime.Start(context.Background()))
}
