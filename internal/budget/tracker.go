// Package budget enforces per-workspace consumption ceilings for queued work.
package budget

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/config"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/store"
)

// Resource types tracked per workspace.
const (
	ResourceEvents = "events"
	ResourceJobs   = "jobs"
)

// ErrExceeded signals a workspace has hit its monthly ceiling. It is an
// expected admission-control outcome and maps to HTTP 429, never 500.
var ErrExceeded = errors.New("budget exceeded")

// Tracker checks and records budget consumption. Check and Consume are
// deliberately separate, non-atomic calls: the budget is advisory admission
// control, and slight over-admission under a race is accepted in exchange
// for skipping a transactional reserve/commit protocol.
type Tracker struct {
	store  store.BudgetStore
	plans  config.Plans
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(st store.BudgetStore, plans config.Plans, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: st, plans: plans, logger: logger, now: time.Now}
}

// Check reports whether the workspace can consume amount more of the
// resource this period. It does not mutate state.
func (t *Tracker) Check(ctx context.Context, workspaceID, resourceType string, amount int) (bool, error) {
	limit := t.limitFor(workspaceID, resourceType)
	start, _ := t.period()
	consumed, err := t.store.BudgetConsumed(ctx, workspaceID, resourceType, start)
	if err != nil {
		return false, err
	}
	return consumed+amount <= limit, nil
}

// Consume records amount against the workspace's counter. Call it only after
// the corresponding enqueue succeeded, so the budget reflects accepted work.
func (t *Tracker) Consume(ctx context.Context, workspaceID, resourceType string, amount int) error {
	limit := t.limitFor(workspaceID, resourceType)
	start, end := t.period()
	return t.store.AddBudgetConsumption(ctx, workspaceID, resourceType, amount, limit, start, end)
}

// Stats returns consumption and remaining headroom per resource type.
func (t *Tracker) Stats(ctx context.Context, workspaceID string) (map[string]models.BudgetUsage, error) {
	start, _ := t.period()
	out := make(map[string]models.BudgetUsage)
	for resourceType, limit := range t.plans.LimitsFor(workspaceID) {
		consumed, err := t.store.BudgetConsumed(ctx, workspaceID, resourceType, start)
		if err != nil {
			return nil, err
		}
		remaining := limit - consumed
		if remaining < 0 {
			remaining = 0
		}
		out[resourceType] = models.BudgetUsage{
			Consumed:  consumed,
			Limit:     limit,
			Remaining: remaining,
		}
	}
	return out, nil
}

func (t *Tracker) limitFor(workspaceID, resourceType string) int {
	return t.plans.LimitsFor(workspaceID)[resourceType]
}

// period returns the current calendar month in UTC.
func (t *Tracker) period() (time.Time, time.Time) {
	now := t.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
