package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
	"github.com/roach88/stepped/internal/store"
	"github.com/roach88/stepped/internal/testutil"
)

var errBreakdown = errors.New("breakdown")

// car is the actor most tests drive around.
type car struct {
	id       string
	Mileage  int64
	Honks    int
	Location string
}

func (c *car) ActorType() string { return "Car" }
func (c *car) ActorID() string   { return c.id }

func (c *car) ref() ir.ActorRef { return registry.Ref(c) }

func (c *car) Perform(_ context.Context, name string, args ir.Args) error {
	switch name {
	case "drive":
		n, err := args.Int(0)
		if err != nil {
			return err
		}
		c.Mileage += n
	case "honk":
		c.Honks++
	case "change_location":
		loc, err := args.String(0)
		if err != nil {
			return err
		}
		c.Location = loc
	case "breakdown":
		return errBreakdown
	case "recycle", "paint", "service":
	default:
		return fmt.Errorf("car has no method %q", name)
	}
	return nil
}

// garage is an in-memory car repository.
type garage struct {
	mu   sync.Mutex
	cars map[string]*car
	next int
}

func (g *garage) add() *car {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	c := &car{id: strconv.Itoa(g.next)}
	g.cars[c.id] = c
	return c
}

func (g *garage) find(_ context.Context, id string) (registry.Actor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cars[id]
	if !ok {
		return nil, fmt.Errorf("car %s not found", id)
	}
	return c, nil
}

// recordingObserver counts engine notifications.
type recordingObserver struct {
	mu        sync.Mutex
	completed map[ir.ActionStatus]int
	steps     map[ir.StepStatus]int
	deadlocks int
	recovered map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		completed: make(map[ir.ActionStatus]int),
		steps:     make(map[ir.StepStatus]int),
		recovered: make(map[string]int),
	}
}

func (o *recordingObserver) ActionCompleted(s ir.ActionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed[s]++
}

func (o *recordingObserver) StepConcluded(s ir.StepStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps[s]++
}

func (o *recordingObserver) Deadlock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadlocks++
}

func (o *recordingObserver) Recovered(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovered[kind]++
}

// testEnv bundles an engine over a temp-dir SQLite store with a manual
// clock and a garage of cars.
type testEnv struct {
	t        *testing.T
	ctx      context.Context
	clock    *testutil.ManualClock
	store    *store.Store
	reg      *registry.Registry
	engine   *Engine
	garage   *garage
	observer *recordingObserver
	reported []error
}

func setupTestEngine(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	clock := testutil.NewManualClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	g := &garage{cars: make(map[string]*car)}
	reg := registry.New()
	require.NoError(t, reg.RegisterType("Car", "", g.find))

	env := &testEnv{
		t:        t,
		ctx:      context.Background(),
		clock:    clock,
		store:    s,
		reg:      reg,
		garage:   g,
		observer: newRecordingObserver(),
	}

	base := []EngineOption{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(env.observer),
	}
	env.engine = New(s, reg, append(base, opts...)...)
	return env
}

// recoverAll is the setting most exception tests run with. Reported errors
// are collected on env.reported.
func (env *testEnv) recoverAll() {
	policy := RecoverAll()
	policy.Report = func(_ context.Context, err error) {
		env.reported = append(env.reported, err)
	}
	env.engine.policy = policy
}

func (env *testEnv) newCar() *car {
	return env.garage.add()
}

func (env *testEnv) define(name string, configure func(d *registry.Definition)) {
	env.t.Helper()
	_, err := env.reg.Define("Car", name, configure)
	require.NoError(env.t, err)
}

func (env *testEnv) performErr(actor ir.ActorRef, name string, args ...any) (*ir.Action, error) {
	return env.engine.Perform(env.ctx, Request{Actor: actor, Name: name, Args: ir.Args(args)})
}

func (env *testEnv) perform(actor ir.ActorRef, name string, args ...any) *ir.Action {
	env.t.Helper()
	a, err := env.performErr(actor, name, args...)
	require.NoError(env.t, err)
	require.NotNil(env.t, a)
	return a
}

// runJobs runs the jobs of the given kinds that are due now, once each.
// Jobs they enqueue are left for the next call.
func (env *testEnv) runJobs(kinds ...ir.JobKind) int {
	env.t.Helper()
	n, err := env.runJobsErr(kinds...)
	require.NoError(env.t, err)
	return n
}

func (env *testEnv) runJobsErr(kinds ...ir.JobKind) (int, error) {
	now := env.clock.Now()
	jobs, err := env.store.ListJobs(env.ctx, store.JobFilter{Kinds: kinds, DueBy: &now})
	if err != nil {
		return 0, err
	}
	for i, job := range jobs {
		err := env.store.InTx(env.ctx, func(ctx context.Context) error {
			if err := env.engine.HandleJob(ctx, job); err != nil {
				return err
			}
			return env.store.DeleteJob(ctx, job.ID)
		})
		if err != nil {
			return i + 1, err
		}
	}
	return len(jobs), nil
}

// drain runs due jobs recursively until none are left.
func (env *testEnv) drain() int {
	env.t.Helper()
	n, err := testutil.Drain(env.ctx, env.store, env.clock.Now, env.engine.HandleJob)
	require.NoError(env.t, err)
	return n
}

func (env *testEnv) reload(a *ir.Action) *ir.Action {
	env.t.Helper()
	require.True(env.t, a.Persisted(), "action %s was never stored", a)
	fresh, err := env.store.ReadAction(env.ctx, a.ID)
	require.NoError(env.t, err)
	return fresh
}

func (env *testEnv) steps(a *ir.Action) []*ir.Step {
	env.t.Helper()
	steps, err := env.store.ActionSteps(env.ctx, a.ID)
	require.NoError(env.t, err)
	return steps
}

func (env *testEnv) lastAction() *ir.Action {
	env.t.Helper()
	actions, err := env.store.ListActions(env.ctx, store.ActionFilter{Limit: 1, Descending: true})
	require.NoError(env.t, err)
	require.NotEmpty(env.t, actions)
	return actions[0]
}

func (env *testEnv) performance(key string) *ir.Performance {
	env.t.Helper()
	var perf *ir.Performance
	err := env.store.InTx(env.ctx, func(ctx context.Context) error {
		var err error
		perf, err = env.store.FindPerformanceByConcurrencyKey(ctx, key)
		return err
	})
	require.NoError(env.t, err)
	return perf
}

func (env *testEnv) performanceActions(perf *ir.Performance) []*ir.Action {
	env.t.Helper()
	actions, err := env.store.PerformanceActions(env.ctx, perf.ID)
	require.NoError(env.t, err)
	return actions
}

func (env *testEnv) jobCounts() map[ir.JobKind]int {
	env.t.Helper()
	counts, err := testutil.KindCounts(env.ctx, env.store)
	require.NoError(env.t, err)
	return counts
}

// counts is a snapshot of row counts, compared before and after a block
// of work.
type counts struct {
	Actions      int
	Steps        int
	Performances int
	Achievements int
}

func (env *testEnv) counts() counts {
	env.t.Helper()
	var c counts
	var err error
	c.Actions, err = env.store.CountActions(env.ctx)
	require.NoError(env.t, err)
	c.Steps, err = env.store.CountSteps(env.ctx)
	require.NoError(env.t, err)
	c.Performances, err = env.store.CountPerformances(env.ctx)
	require.NoError(env.t, err)
	c.Achievements, err = env.store.CountAchievements(env.ctx)
	require.NoError(env.t, err)
	return c
}

// requireDelta asserts the row counts changed by exactly want since
// before.
func (env *testEnv) requireDelta(before counts, want counts) {
	env.t.Helper()
	after := env.counts()
	got := counts{
		Actions:      after.Actions - before.Actions,
		Steps:        after.Steps - before.Steps,
		Performances: after.Performances - before.Performances,
		Achievements: after.Achievements - before.Achievements,
	}
	require.Equal(env.t, want, got)
}

func argInt(t *testing.T, args ir.Args, i int) int64 {
	t.Helper()
	n, err := args.Int(i)
	require.NoError(t, err)
	return n
}

func asCar(t *testing.T, actor registry.Actor) *car {
	t.Helper()
	c, ok := actor.(*car)
	require.True(t, ok, "actor %T is not a car", actor)
	return c
}

func storeKinds(kinds ...ir.JobKind) store.JobFilter {
	return store.JobFilter{Kinds: kinds}
}

// runNamed runs the queued action jobs requesting name, leaving every
// other job in place.
func (env *testEnv) runNamed(name string) int {
	env.t.Helper()
	jobs, err := env.store.ListJobs(env.ctx, storeKinds(ir.JobAction))
	require.NoError(env.t, err)

	n := 0
	for _, job := range jobs {
		var p ir.ActionJob
		require.NoError(env.t, job.Decode(&p))
		if p.Name != name {
			continue
		}
		err := env.store.InTx(env.ctx, func(ctx context.Context) error {
			if err := env.engine.HandleJob(ctx, job); err != nil {
				return err
			}
			return env.store.DeleteJob(ctx, job.ID)
		})
		require.NoError(env.t, err)
		n++
	}
	return n
}

// storeActionTail selects the n most recently created actions.
func storeActionTail(n int) store.ActionFilter {
	return store.ActionFilter{Limit: n, Descending: true}
}
