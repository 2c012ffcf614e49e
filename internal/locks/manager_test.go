package locks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilar-systems/autopilot/internal/store"
)

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	lockA, err := m.Acquire(ctx, "autopilot-process", "workerA", 5*time.Second, "a")
	require.NoError(t, err)
	require.NotNil(t, lockA)

	lockB, err := m.Acquire(ctx, "autopilot-process", "workerB", 5*time.Second, "b")
	require.NoError(t, err)
	assert.Nil(t, lockB, "second owner must be refused while the lock is live")

	locked, err := m.IsLocked(ctx, "autopilot-process")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, lockA.Release(ctx))
	locked, err = m.IsLocked(ctx, "autopilot-process")
	require.NoError(t, err)
	assert.False(t, locked)

	lockB, err = m.Acquire(ctx, "autopilot-process", "workerB", 5*time.Second, "b")
	require.NoError(t, err)
	assert.NotNil(t, lockB, "released lock must be acquirable")
}

func TestConcurrentAcquireAdmitsOne(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := m.Acquire(ctx, "autopilot-process", owner, 5*time.Second, owner)
			if err == nil && lock != nil {
				winners <- owner
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent acquirer may win")
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	lockA, err := m.Acquire(ctx, "nightly-report", "workerA", 10*time.Millisecond, "a")
	require.NoError(t, err)
	require.NotNil(t, lockA)

	time.Sleep(20 * time.Millisecond)

	// No explicit release: expiry alone makes the resource acquirable.
	lockB, err := m.Acquire(ctx, "nightly-report", "workerB", 5*time.Second, "b")
	require.NoError(t, err)
	assert.NotNil(t, lockB)
}

func TestSameOwnerReacquireRefreshes(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	first, err := m.Acquire(ctx, "sync", "workerA", time.Second, "a")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Acquire(ctx, "sync", "workerA", time.Minute, "a")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	lock, err := m.Acquire(ctx, "sync", "workerA", time.Second, "a")
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))

	var nilLock *Lock
	require.NoError(t, nilLock.Release(ctx))
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	_, err := m.Acquire(ctx, "a", "w", 5*time.Millisecond, "w")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "b", "w", 5*time.Millisecond, "w")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "c", "w", time.Minute, "w")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	locked, err := m.IsLocked(ctx, "c")
	require.NoError(t, err)
	assert.True(t, locked, "live lock must survive the sweep")
}
