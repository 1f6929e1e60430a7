package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
	"github.com/roach88/stepped/internal/store"
)

// Engine performs stepped actions against a store.
//
// Thread-safety model:
//   - every exported method is safe for concurrent use
//   - all coordination between callers happens through the store's row
//     locks; the engine keeps no mutable state of its own
//
// INVARIANTS:
//   - at most one action per concurrency key is performing
//   - an action's status never leaves a terminal value
//   - a step is concluded exactly once per child it fanned out
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	clock    Clock
	logger   *slog.Logger
	policy   ErrorPolicy
	observer Observer

	followUpDelay time.Duration
}

// DefaultFollowUpDelay is how long a follow-up job waits before a worker
// may retry it.
const DefaultFollowUpDelay = time.Minute

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source for started_at, completed_at and job
// schedules. Defaults to SystemClock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithErrorPolicy sets which errors become failed or deadlocked statuses
// instead of propagating.
//
// Default: nothing is recoverable.
// Use WithErrorPolicy(RecoverAll()) to keep workers running through actor
// failures.
func WithErrorPolicy(p ErrorPolicy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithObserver receives lifecycle notifications (metrics).
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithFollowUpDelay sets how long after commit a worker may retry a step
// or a step conclusion that did not finish right away. Defaults to
// DefaultFollowUpDelay. Keep it above the longest expected step body.
func WithFollowUpDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.followUpDelay = d
		}
	}
}

// New creates an Engine over the given store and definition registry.
func New(s *store.Store, r *registry.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		registry: r,
		clock:    SystemClock,
		logger:   slog.Default(),
		observer: NopObserver{},

		followUpDelay: DefaultFollowUpDelay,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Registry returns the engine's definition registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// Request asks for name to be performed on an actor.
type Request struct {
	Actor ir.ActorRef
	Name  string
	Args  ir.Args

	// ParentStepID is the step awaiting the action, or zero for a root
	// action.
	ParentStepID int64
}

// report logs a recovered error and forwards it to the policy's Report
// callback.
func (e *Engine) report(ctx context.Context, err error) {
	kind := errorKind(err)
	e.logger.Error("recovered error", "kind", kind, "error", err)
	e.observer.Recovered(kind)
	if e.policy.Report != nil {
		e.policy.Report(ctx, err)
	}
}

// enqueue writes a job in the unit of work in ctx.
func (e *Engine) enqueue(ctx context.Context, kind ir.JobKind, payload any, runAt time.Time) error {
	job, err := ir.NewJob(kind, payload, runAt)
	if err != nil {
		return err
	}
	if err := e.store.EnqueueJob(ctx, &job); err != nil {
		return err
	}
	return nil
}

// definitionFor resolves the actor and definition of a persisted action.
func (e *Engine) definitionFor(ctx context.Context, a *ir.Action) (registry.Actor, *registry.Definition, error) {
	actor, err := e.registry.Lookup(ctx, a.Actor)
	if err != nil {
		return nil, nil, fmt.Errorf("action %d: %w", a.ID, err)
	}
	return actor, e.registry.FindOrAdd(a.Actor.Type, a.Name), nil
}
