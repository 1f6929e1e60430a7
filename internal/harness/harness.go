package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/stepped/internal/engine"
	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
	"github.com/roach88/stepped/internal/sample"
	"github.com/roach88/stepped/internal/store"
	"github.com/roach88/stepped/internal/testutil"
)

// Harness runs one scenario against its own store, engine and actors.
type Harness struct {
	clock  *testutil.ManualClock
	store  *store.Store
	engine *engine.Engine
	actors *sample.Actors
}

// Option configures a scenario run.
type Option func(*options)

type options struct {
	dbPath string
	logger *slog.Logger
}

// WithDatabase runs the scenario on a SQLite file instead of memory.
func WithDatabase(path string) Option {
	return func(o *options) {
		o.dbPath = path
	}
}

// WithLogger routes engine logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a harness with an empty store and fresh sample actors.
func New(opts ...Option) (*Harness, error) {
	o := options{
		dbPath: ":memory:",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	clock := testutil.NewManualClock(time.Time{})
	s, err := store.Open(o.dbPath, store.WithNow(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg := registry.New()
	eng := engine.New(s, reg,
		engine.WithClock(clock),
		engine.WithLogger(o.logger),
	)
	actors := sample.NewActors()
	if err := sample.Register(reg, actors, eng, clock.Now); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register sample actors: %w", err)
	}

	return &Harness{clock: clock, store: s, engine: eng, actors: actors}, nil
}

// Close releases the store.
func (h *Harness) Close() error {
	return h.store.Close()
}

// Run executes a scenario on a fresh harness, snapshots the final state
// and evaluates the assertions against it.
//
// Step failures are recorded in the trace and do not stop the run; the
// returned error reports only failures to set up or to read state.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := New(opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, scenario)
}

// Run executes scenario against h.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	result := NewResult()

	for _, step := range scenario.Steps {
		outcome, err := h.execute(ctx, step)
		if err != nil {
			outcome = joinOutcome(outcome, "error: "+err.Error())
		}
		result.addTrace(step.Kind(), step.target(), step.Args, outcome)
	}

	state, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.State = *state

	for i, a := range scenario.Assertions {
		if err := evaluate(a, &result.State); err != nil {
			result.AddError(fmt.Sprintf("assertion %d: %s", i, err))
		}
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	switch step.Kind() {
	case StepPerform:
		actor, name, err := step.Target()
		if err != nil {
			return "", err
		}
		a, err := h.engine.Perform(ctx, engine.Request{Actor: actor, Name: name, Args: ir.Args(step.Args)})
		return describeAction(a), err

	case StepRequest:
		actor, name, err := step.Target()
		if err != nil {
			return "", err
		}
		if _, err := h.engine.EnqueueAction(ctx, engine.Request{Actor: actor, Name: name, Args: ir.Args(step.Args)}); err != nil {
			return "", err
		}
		return "queued", nil

	case StepComplete:
		actor, name, err := step.Target()
		if err != nil {
			return "", err
		}
		status := ir.ActionSucceeded
		if step.Status != "" {
			if status, err = ir.ParseActionStatus(step.Status); err != nil {
				return "", err
			}
		}
		if _, err := h.engine.EnqueueCompletion(ctx, actor, name, status); err != nil {
			return "", err
		}
		return "queued " + string(status), nil

	case StepDrain:
		n, err := testutil.Drain(ctx, h.store, h.clock.Now, h.engine.HandleJob)
		return fmt.Sprintf("%d jobs", n), err

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return "", err
		}
		return h.clock.Advance(d).Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("empty step")
}

// describeAction summarizes what Perform returned. Unstored results carry
// no id.
func describeAction(a *ir.Action) string {
	switch {
	case a == nil:
		return ""
	case a.Persisted():
		return fmt.Sprintf("action %d %s", a.ID, a.Status)
	case a.Status == ir.ActionSucceeded && a.Checksum != "":
		return "achieved"
	default:
		return string(a.Status) + " unstored"
	}
}

func joinOutcome(outcome, suffix string) string {
	if outcome == "" {
		return suffix
	}
	return outcome + ", " + suffix
}

func (h *Harness) snapshot(ctx context.Context) (*State, error) {
	state := &State{
		Cars:     map[string]sample.CarState{},
		Sleepers: map[string]string{},
	}

	var err error
	if state.Actions, err = h.store.ListActions(ctx, store.ActionFilter{}); err != nil {
		return nil, err
	}
	if state.Performances, err = h.store.ListPerformances(ctx); err != nil {
		return nil, err
	}
	if state.Steps, err = h.store.CountSteps(ctx); err != nil {
		return nil, err
	}
	if state.Jobs, err = h.store.CountJobs(ctx); err != nil {
		return nil, err
	}
	if state.Achievements, err = h.store.CountAchievements(ctx); err != nil {
		return nil, err
	}

	for _, id := range h.actors.Cars.IDs() {
		state.Cars[id] = h.actors.Cars.Get(id).State()
	}
	for _, id := range h.actors.Sleepers.IDs() {
		state.Sleepers[id] = h.actors.Sleepers.Get(id).Content()
	}
	return state, nil
}
