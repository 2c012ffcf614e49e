// Package locks provides distributed mutual exclusion backed by persisted
// lock rows. Correctness comes from the expiry check at acquire time; the
// cleanup sweep only bounds storage growth.
package locks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/store"
)

// Manager acquires and releases named locks.
type Manager struct {
	store  store.LockStore
	logger *zap.Logger
}

func NewManager(st store.LockStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, logger: logger}
}

// Lock is a held lock; callers must Release it when done.
type Lock struct {
	models.Lock
	manager  *Manager
	released bool
}

// Acquire attempts to claim resource for owner until now+ttl. A nil Lock with
// nil error means another worker holds the resource; callers skip their cycle
// rather than retry synchronously.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration, requestedBy string) (*Lock, error) {
	row, err := m.store.AcquireLock(ctx, resource, owner, ttl, requestedBy)
	if err != nil {
		return nil, err
	}
	if row == nil {
		m.logger.Debug("lock contended",
			zap.String("resource", resource),
			zap.String("owner", owner))
		return nil, nil
	}
	m.logger.Debug("lock acquired",
		zap.String("resource", resource),
		zap.String("owner", owner),
		zap.Time("expires_at", row.ExpiresAt))
	return &Lock{Lock: *row, manager: m}, nil
}

// Release removes the lock row. Releasing twice, or releasing a lock that
// already expired and was cleaned up, is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	return l.manager.store.ReleaseLock(ctx, l.ResourceName, l.Owner)
}

// IsLocked reports whether an unexpired lock exists for resource.
func (m *Manager) IsLocked(ctx context.Context, resource string) (bool, error) {
	return m.store.IsLocked(ctx, resource)
}

// CleanupExpired deletes all lock rows past their expiry.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := m.store.DeleteExpiredLocks(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Debug("expired locks cleaned", zap.Int("count", removed))
	}
	return removed, nil
}
