package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepped/internal/engine"
	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
	"github.com/roach88/stepped/internal/store"
	"github.com/roach88/stepped/internal/testutil"
)

var boat = ir.ActorRef{Type: "Boat", ID: "1"}

type outcome struct {
	kind    ir.JobKind
	outcome string
}

type recorder struct {
	mu   sync.Mutex
	seen []outcome
}

func (r *recorder) JobProcessed(kind ir.JobKind, o string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, outcome{kind, o})
}

func (r *recorder) outcomes() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.seen...)
}

type testEnv struct {
	ctx      context.Context
	clock    *testutil.ManualClock
	store    *store.Store
	reg      *registry.Registry
	engine   *engine.Engine
	recorder *recorder
}

func setupTestWorker(t *testing.T, opts ...Option) (*testEnv, *Worker) {
	t.Helper()

	clock := testutil.NewManualClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := registry.New()
	require.NoError(t, reg.RegisterType("Boat", "", nil))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		ctx:      context.Background(),
		clock:    clock,
		store:    s,
		reg:      reg,
		engine:   engine.New(s, reg, engine.WithClock(clock), engine.WithLogger(logger)),
		recorder: &recorder{},
	}

	base := []Option{
		WithID("test-worker"),
		WithClock(clock),
		WithLogger(logger),
		WithRecorder(env.recorder),
		WithBackoff(time.Second, time.Minute),
	}
	return env, New(env.engine, append(base, opts...)...)
}

func (env *testEnv) jobs(t *testing.T) []*ir.Job {
	t.Helper()
	jobs, err := env.store.ListJobs(env.ctx, store.JobFilter{})
	require.NoError(t, err)
	return jobs
}

func (env *testEnv) enqueue(t *testing.T, kind ir.JobKind) *ir.Job {
	t.Helper()
	job, err := ir.NewJob(kind, ir.CustomJob{}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, env.store.EnqueueJob(env.ctx, &job))
	return &job
}

func countingStep(n *atomic.Int64) func(*registry.Definition) {
	return func(d *registry.Definition) {
		d.Step(func(context.Context, registry.Actor, registry.Step, ir.Args) error {
			n.Add(1)
			return nil
		})
	}
}

func TestRunOnce_NothingDue(t *testing.T) {
	env, w := setupTestWorker(t)

	ran, err := w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, env.recorder.outcomes())
}

func TestRunOnce_PerformsQueuedAction(t *testing.T) {
	env, w := setupTestWorker(t)
	var sails atomic.Int64
	_, err := env.reg.Define("Boat", "sail", countingStep(&sails))
	require.NoError(t, err)

	_, err = env.engine.EnqueueAction(env.ctx, engine.Request{Actor: boat, Name: "sail"})
	require.NoError(t, err)

	ran, err := w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), sails.Load())
	assert.Empty(t, env.jobs(t))

	actions, err := env.store.ListActions(env.ctx, store.ActionFilter{Actor: &boat})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ir.ActionSucceeded, actions[0].Status)

	assert.Equal(t, []outcome{{ir.JobAction, OutcomeOK}}, env.recorder.outcomes())
}

func TestRunOnce_FailedJobIsRescheduledWithBackoff(t *testing.T) {
	env, w := setupTestWorker(t)
	var calls atomic.Int64
	require.NoError(t, w.Handle("flaky", func(context.Context, *ir.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("port closed")
		}
		return nil
	}))
	env.enqueue(t, "flaky")

	ran, err := w.RunOnce(env.ctx)
	require.NoError(t, err)
	require.True(t, ran)

	jobs := env.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, "port closed", jobs[0].LastError)
	assert.Empty(t, jobs[0].LockedBy)
	assert.True(t, jobs[0].RunAt.After(env.clock.Now()))

	ran, err = w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.False(t, ran, "retry must wait for its backoff")

	env.clock.Advance(time.Second)
	ran, err = w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, env.jobs(t))
	assert.Equal(t, int64(2), calls.Load())

	assert.Equal(t, []outcome{{"flaky", OutcomeRetry}, {"flaky", OutcomeOK}}, env.recorder.outcomes())
}

func TestRunOnce_FailedEffectsRollBack(t *testing.T) {
	env, w := setupTestWorker(t)
	require.NoError(t, w.Handle("enqueue_then_fail", func(ctx context.Context, _ *ir.Job) error {
		job, err := ir.NewJob("orphan", ir.CustomJob{}, time.Time{})
		if err != nil {
			return err
		}
		if err := env.store.EnqueueJob(ctx, &job); err != nil {
			return err
		}
		return errors.New("abort")
	}))
	env.enqueue(t, "enqueue_then_fail")

	_, err := w.RunOnce(env.ctx)
	require.NoError(t, err)

	jobs := env.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, ir.JobKind("enqueue_then_fail"), jobs[0].Kind)
}

func TestRunOnce_ParksAfterMaxAttempts(t *testing.T) {
	env, w := setupTestWorker(t, WithMaxAttempts(2))
	require.NoError(t, w.Handle("doomed", func(context.Context, *ir.Job) error {
		return errors.New("sunk")
	}))
	env.enqueue(t, "doomed")

	for range 2 {
		ran, err := w.RunOnce(env.ctx)
		require.NoError(t, err)
		require.True(t, ran)
		env.clock.Advance(time.Hour)
	}

	ran, err := w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.False(t, ran, "parked job must not be claimed")

	jobs := env.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "sunk", jobs[0].LastError)

	assert.Equal(t, []outcome{{"doomed", OutcomeRetry}, {"doomed", OutcomeParked}}, env.recorder.outcomes())
}

func TestRunOnce_UnknownKindIsRetried(t *testing.T) {
	env, w := setupTestWorker(t)
	env.enqueue(t, "mystery")

	ran, err := w.RunOnce(env.ctx)
	require.NoError(t, err)
	require.True(t, ran)

	jobs := env.jobs(t)
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].LastError, ErrNoHandler.Error())
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestRunOnce_StepErrorAfterCommitIsRetried(t *testing.T) {
	env, w := setupTestWorker(t)
	var attempts atomic.Int64
	_, err := env.reg.Define("Boat", "capsize", func(d *registry.Definition) {
		d.Step(func(context.Context, registry.Actor, registry.Step, ir.Args) error {
			attempts.Add(1)
			return errors.New("overboard")
		})
	})
	require.NoError(t, err)

	_, err = env.engine.EnqueueAction(env.ctx, engine.Request{Actor: boat, Name: "capsize"})
	require.NoError(t, err)

	ran, err := w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []outcome{{ir.JobAction, OutcomeHookError}}, env.recorder.outcomes())

	jobs := env.jobs(t)
	require.Len(t, jobs, 1, "the step is left to a follow-up job")
	assert.Equal(t, ir.JobPerformStep, jobs[0].Kind)
	assert.True(t, jobs[0].RunAt.After(env.clock.Now()))

	env.clock.Advance(engine.DefaultFollowUpDelay)
	ran, err = w.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(2), attempts.Load())

	jobs = env.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Contains(t, jobs[0].LastError, "overboard")
	assert.Equal(t, outcome{ir.JobPerformStep, OutcomeRetry}, env.recorder.outcomes()[1])
}

func TestDrain_FailedCallbackAfterCommitStillFinishesWorkflow(t *testing.T) {
	env, w := setupTestWorker(t)
	var rigged, callbacks atomic.Int64
	_, err := env.reg.Define("Boat", "sail", func(d *registry.Definition) {
		d.Step(func(_ context.Context, _ registry.Actor, step registry.Step, _ ir.Args) error {
			step.Do("rig")
			return nil
		})
		d.Succeeded(func(context.Context, registry.Actor, *ir.Action) error {
			if callbacks.Add(1) == 1 {
				return errors.New("wind died")
			}
			return nil
		})
	})
	require.NoError(t, err)
	_, err = env.reg.Define("Boat", "rig", countingStep(&rigged))
	require.NoError(t, err)

	_, err = env.engine.EnqueueAction(env.ctx, engine.Request{Actor: boat, Name: "sail"})
	require.NoError(t, err)

	var sail *ir.Action
	for round := 0; round < 10; round++ {
		_, err := w.Drain(env.ctx)
		require.NoError(t, err)

		sails, err := env.store.ListActions(env.ctx, store.ActionFilter{Name: "sail"})
		require.NoError(t, err)
		require.Len(t, sails, 1)
		sail = sails[0]
		if sail.Completed() {
			break
		}
		env.clock.Advance(engine.DefaultFollowUpDelay)
	}

	assert.Equal(t, ir.ActionSucceeded, sail.Status)
	assert.Equal(t, int64(1), rigged.Load())
	assert.Equal(t, int64(2), callbacks.Load())
	assert.Empty(t, env.jobs(t))

	steps, err := env.store.ActionSteps(env.ctx, sail.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0].PendingActionsCount)
}

func TestHandle_RejectsBuiltinKinds(t *testing.T) {
	_, w := setupTestWorker(t)
	for _, kind := range ir.BuiltinJobKinds {
		assert.Error(t, w.Handle(kind, func(context.Context, *ir.Job) error { return nil }), kind)
	}
}

func TestHandleAction_CompletesJobBackedAction(t *testing.T) {
	env, w := setupTestWorker(t)
	_, err := env.reg.Define("Boat", "repaint", func(d *registry.Definition) {
		d.Job("paint")
	})
	require.NoError(t, err)

	var painted *ir.Action
	require.NoError(t, w.HandleAction("paint", func(_ context.Context, a *ir.Action) (ir.ActionStatus, error) {
		painted = a
		return ir.ActionSucceeded, nil
	}))

	a, err := env.engine.Perform(env.ctx, engine.Request{Actor: boat, Name: "repaint"})
	require.NoError(t, err)
	assert.Equal(t, ir.ActionPerforming, a.Status)

	n, err := w.Drain(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NotNil(t, painted)
	assert.Equal(t, a.ID, painted.ID)

	done, err := env.store.ReadAction(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionSucceeded, done.Status)
}

func TestHandleAction_EmptyStatusLeavesActionPerforming(t *testing.T) {
	env, w := setupTestWorker(t)
	_, err := env.reg.Define("Boat", "refit", func(d *registry.Definition) {
		d.Job("dock")
	})
	require.NoError(t, err)
	require.NoError(t, w.HandleAction("dock", func(context.Context, *ir.Action) (ir.ActionStatus, error) {
		return "", nil
	}))

	a, err := env.engine.Perform(env.ctx, engine.Request{Actor: boat, Name: "refit"})
	require.NoError(t, err)

	_, err = w.Drain(env.ctx)
	require.NoError(t, err)

	got, err := env.store.ReadAction(env.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionPerforming, got.Status)
}

func TestDrain_RunsJobsEnqueuedByJobs(t *testing.T) {
	env, w := setupTestWorker(t)
	var stops atomic.Int64
	_, err := env.reg.Define("Boat", "voyage", func(d *registry.Definition) {
		d.Step(func(_ context.Context, _ registry.Actor, step registry.Step, _ ir.Args) error {
			step.Do("stop")
			step.Do("stop")
			return nil
		})
	})
	require.NoError(t, err)
	_, err = env.reg.Define("Boat", "stop", countingStep(&stops))
	require.NoError(t, err)

	_, err = env.engine.EnqueueAction(env.ctx, engine.Request{Actor: boat, Name: "voyage"})
	require.NoError(t, err)

	n, err := w.Drain(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(2), stops.Load())

	voyages, err := env.store.ListActions(env.ctx, store.ActionFilter{Name: "voyage"})
	require.NoError(t, err)
	require.Len(t, voyages, 1)
	assert.Equal(t, ir.ActionSucceeded, voyages[0].Status)
}

func TestDrain_StopsOnCancelledContext(t *testing.T) {
	env, w := setupTestWorker(t)
	env.enqueue(t, "never")

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()
	n, err := w.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	env, w := setupTestWorker(t, WithConcurrency(2), WithPollInterval(10*time.Millisecond))
	var sails atomic.Int64
	_, err := env.reg.Define("Boat", "sail", countingStep(&sails))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 3; i++ {
		ref := ir.ActorRef{Type: "Boat", ID: string(rune('a' + i))}
		_, err := env.engine.EnqueueAction(env.ctx, engine.Request{Actor: ref, Name: "sail"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sails.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	_, w := setupTestWorker(t, WithBackoff(time.Second, 10*time.Second))

	tests := []struct {
		attempt int
		full    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		d := w.backoff(tt.attempt)
		assert.LessOrEqual(t, d, tt.full, "attempt %d", tt.attempt)
		assert.GreaterOrEqual(t, d, tt.full*3/4, "attempt %d", tt.attempt)
	}
}

func TestNew_Defaults(t *testing.T) {
	env, _ := setupTestWorker(t)
	w := New(env.engine)

	assert.NotEmpty(t, w.ID())
	assert.Equal(t, 1, w.concurrency)
	assert.Equal(t, 25, w.maxAttempts)
	assert.Equal(t, 5*time.Minute, w.lease)
}

func TestDefaultID_FromEnvironment(t *testing.T) {
	t.Setenv("WORKER_ID", "deckhand")
	assert.Equal(t, "deckhand", DefaultID())
}

func TestWithConcurrency_AtLeastOne(t *testing.T) {
	env, _ := setupTestWorker(t)
	w := New(env.engine, WithConcurrency(0))
	assert.Equal(t, 1, w.concurrency)
}
