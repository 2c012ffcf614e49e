// Package dispatch is the seam between the autopilot core and business
// logic. The core looks up a handler by event/job type and invokes it with
// the payload; what the handler does (email send, AI call, provisioning
// step) is outside the core's knowledge. Handlers must be idempotent or
// safely retryable: delivery is at least once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/models"
)

// ErrNoHandler is returned when no handler is registered for a type.
var ErrNoHandler = errors.New("no handler registered")

// EventHandler processes one event delivery.
type EventHandler func(ctx context.Context, evt models.Event) error

// ProgressFunc lets a long-running job handler report partial progress
// (0-100) without touching its claim.
type ProgressFunc func(ctx context.Context, progress int) error

// JobHandler executes one job attempt and returns its result.
type JobHandler func(ctx context.Context, job models.Job, progress ProgressFunc) (map[string]any, error)

// Registry holds the type-to-handler bindings. Each type gets a circuit
// breaker so a hard-down collaborator fails fast; broken-circuit failures
// still ride the normal retry/backoff path.
type Registry struct {
	logger   *zap.Logger
	events   map[string]EventHandler
	jobs     map[string]JobHandler
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		events:   make(map[string]EventHandler),
		jobs:     make(map[string]JobHandler),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterEvent binds a handler to an event type. Register all handlers
// before processing starts; the registry is not safe for concurrent writes.
func (r *Registry) RegisterEvent(eventType string, h EventHandler) {
	if eventType == "" || h == nil {
		return
	}
	r.events[eventType] = h
	r.ensureBreaker("event:" + eventType)
}

// RegisterJob binds a handler to a job type.
func (r *Registry) RegisterJob(jobType string, h JobHandler) {
	if jobType == "" || h == nil {
		return
	}
	r.jobs[jobType] = h
	r.ensureBreaker("job:" + jobType)
}

func (r *Registry) ensureBreaker(name string) {
	if _, ok := r.breakers[name]; ok {
		return
	}
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("handler breaker state change",
				zap.String("handler", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// DispatchEvent runs the handler registered for the event's type.
func (r *Registry) DispatchEvent(ctx context.Context, evt models.Event) error {
	h, ok := r.events[evt.Type]
	if !ok {
		return fmt.Errorf("%w for event type %q", ErrNoHandler, evt.Type)
	}
	_, err := r.breakers["event:"+evt.Type].Execute(func() (any, error) {
		return nil, h(ctx, evt)
	})
	return err
}

// DispatchJob runs the handler registered for the job's type and returns the
// job result.
func (r *Registry) DispatchJob(ctx context.Context, job models.Job, progress ProgressFunc) (map[string]any, error) {
	h, ok := r.jobs[job.Type]
	if !ok {
		return nil, fmt.Errorf("%w for job type %q", ErrNoHandler, job.Type)
	}
	res, err := r.breakers["job:"+job.Type].Execute(func() (any, error) {
		return h(ctx, job, progress)
	})
	if err != nil {
		return nil, err
	}
	result, _ := res.(map[string]any)
	return result, nil
}
