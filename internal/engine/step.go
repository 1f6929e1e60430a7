package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
)

// stepRunner is the registry.Step handed to step bodies. It buffers every
// fan-out request until the body returns; the step row, and so its id, only
// exists once the fan-out is recorded.
type stepRunner struct {
	action  *ir.Action
	actor   registry.Actor
	index   int
	now     func() time.Time
	fanOut  []fanOut
	pending int
	failed  bool
	err     error
}

// fanOut is a job the step asked for, built once the step has an id.
type fanOut struct {
	kind    ir.JobKind
	runAt   time.Time
	payload func(stepID int64) any
}

var _ registry.Step = (*stepRunner)(nil)

func (r *stepRunner) Do(name string, args ...any) {
	r.On(r.actor, name, args...)
}

func (r *stepRunner) On(actor registry.Actor, name string, args ...any) {
	if isNilActor(actor) {
		return
	}
	ref := registry.Ref(actor)
	r.add(ir.JobAction, r.now(), func(stepID int64) any {
		return ir.ActionJob{Actor: ref, Name: name, Args: ir.Args(args), ParentStepID: stepID}
	})
	r.pending++
}

func (r *stepRunner) OnEach(actors []registry.Actor, name string, args ...any) {
	for _, actor := range actors {
		r.On(actor, name, args...)
	}
}

func (r *stepRunner) Wait(d time.Duration) {
	r.add(ir.JobWait, r.now().Add(d), func(stepID int64) any {
		return ir.WaitJob{StepID: stepID}
	})
	r.pending++
}

func (r *stepRunner) Enqueue(kind ir.JobKind) {
	actionID := r.action.ID
	r.add(kind, r.now(), func(int64) any {
		return ir.CustomJob{ActionID: actionID}
	})
}

func (r *stepRunner) Fail() {
	r.failed = true
}

func (r *stepRunner) Action() *ir.Action {
	return r.action
}

func (r *stepRunner) Index() int {
	return r.index
}

// add encodes the payload right away so an unencodable argument fails the
// body instead of the unit of work recording it.
func (r *stepRunner) add(kind ir.JobKind, runAt time.Time, payload func(stepID int64) any) {
	if _, err := ir.NewJob(kind, payload(0), runAt); err != nil {
		if r.err == nil {
			r.err = err
		}
		return
	}
	r.fanOut = append(r.fanOut, fanOut{kind: kind, runAt: runAt, payload: payload})
}

// jobs builds the buffered fan-out for step stepID.
func (r *stepRunner) jobs(stepID int64) ([]ir.Job, error) {
	jobs := make([]ir.Job, 0, len(r.fanOut))
	for _, f := range r.fanOut {
		job, err := ir.NewJob(f.kind, f.payload(stepID), f.runAt)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// isNilActor also catches typed nil pointers stored in the interface.
func isNilActor(a registry.Actor) bool {
	if a == nil {
		return true
	}
	v := reflect.ValueOf(a)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// performCurrentStep runs step p.StepIndex of an action still on it and
// records the new step row together with its fan-out. guardID is the
// perform_step job standing in for this call; it goes away in the same
// unit of work.
//
// The body runs outside any unit of work unless ctx carries one, as it
// does for a worker retrying the job. A body error that the policy does not
// recover propagates and records nothing, so the job retries the step.
func (e *Engine) performCurrentStep(ctx context.Context, p ir.PerformStepJob, guardID int64) error {
	a, err := e.store.ReadAction(ctx, p.ActionID)
	if err != nil {
		return err
	}
	due, err := e.stepDue(ctx, a, p.StepIndex)
	if err != nil {
		return err
	}
	if !due {
		return e.store.DeleteJob(ctx, guardID)
	}

	actor, def, err := e.definitionFor(ctx, a)
	if err != nil {
		return err
	}
	body, err := def.StepAt(p.StepIndex)
	if err != nil {
		return err
	}

	argsBefore, err := json.Marshal(a.Args)
	if err != nil {
		return fmt.Errorf("step %d of action %d: %w", p.StepIndex+1, a.ID, err)
	}

	now := e.now()
	st := &ir.Step{
		ActionID:        a.ID,
		DefinitionIndex: p.StepIndex,
		Status:          ir.StepPerforming,
		StartedAt:       &now,
	}

	e.logger.Info("step performing", "action_id", a.ID, "action", a.String(), "step", st.DisplayPosition())
	runner := &stepRunner{action: a, actor: actor, index: p.StepIndex, now: e.now}
	bodyErr := callActor(a, "step", p.StepIndex, func() error {
		if err := body(ctx, actor, runner, a.Args); err != nil {
			return err
		}
		return runner.err
	})
	if bodyErr != nil && !e.policy.Recovers(bodyErr) {
		return bodyErr
	}

	return e.store.InTx(ctx, func(ctx context.Context) error {
		locked, err := e.lockAction(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := e.store.DeleteJob(ctx, guardID); err != nil {
			return err
		}
		// Another run of the same job got here first.
		if due, err := e.stepDue(ctx, locked, p.StepIndex); err != nil || !due {
			return err
		}

		if bodyErr != nil {
			e.report(ctx, bodyErr)
			st.Status = ir.StepFailed
			if err := e.store.CreateStep(ctx, st); err != nil {
				return err
			}
			return e.finishStep(ctx, st)
		}

		st.PendingActionsCount = runner.pending
		if runner.failed {
			st.Status = ir.StepFailed
		}
		if err := e.store.CreateStep(ctx, st); err != nil {
			return err
		}
		if err := e.saveArgs(ctx, locked, a.Args, argsBefore); err != nil {
			return err
		}
		jobs, err := runner.jobs(st.ID)
		if err != nil {
			return err
		}
		for i := range jobs {
			if err := e.store.EnqueueJob(ctx, &jobs[i]); err != nil {
				return err
			}
		}

		if st.PendingActionsCount > 0 {
			return nil
		}
		return e.finishStep(ctx, st)
	})
}

// stepDue reports whether a is performing, on step index and has no row
// for it yet.
func (e *Engine) stepDue(ctx context.Context, a *ir.Action, index int) (bool, error) {
	if a.Status != ir.ActionPerforming || a.CurrentStepIndex != index {
		return false, nil
	}
	steps, err := e.store.ActionSteps(ctx, a.ID)
	if err != nil {
		return false, err
	}
	for _, existing := range steps {
		if existing.DefinitionIndex == index {
			return false, nil
		}
	}
	return true, nil
}

// saveArgs persists arguments the step body changed. locked is the
// action row held by the caller.
func (e *Engine) saveArgs(ctx context.Context, locked *ir.Action, args ir.Args, before []byte) error {
	after, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("action %d arguments: %w", locked.ID, err)
	}
	if bytes.Equal(before, after) {
		return nil
	}
	locked.Args = args
	return e.store.UpdateAction(ctx, locked)
}

// finishStep gives a drained step its end status and advances the action.
func (e *Engine) finishStep(ctx context.Context, st *ir.Step) error {
	now := e.now()
	st.Status = st.DetermineStatus()
	st.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, st); err != nil {
		return err
	}

	e.observer.StepConcluded(st.Status)
	e.logger.Info("step concluded",
		"action_id", st.ActionID,
		"step", st.DisplayPosition(),
		"status", st.Status,
		"unsuccessful", st.UnsuccessfulActionsCount,
	)
	return e.accomplished(ctx, st)
}

// accomplished advances the action after st concluded: fail it, run the
// next step, or succeed it. Outbound actions wait for an external signal
// after their last step.
func (e *Engine) accomplished(ctx context.Context, st *ir.Step) error {
	a, err := e.lockAction(ctx, st.ActionID)
	if err != nil {
		return err
	}
	if a.Completed() || a.CurrentStepIndex != st.DefinitionIndex {
		return nil
	}

	if st.Status == ir.StepFailed {
		return e.complete(ctx, a, ir.ActionFailed)
	}

	def := e.registry.FindOrAdd(a.Actor.Type, a.Name)
	if def.StepCount() > a.CurrentStepIndex+1 {
		a.CurrentStepIndex++
		if err := e.store.UpdateAction(ctx, a); err != nil {
			return err
		}
		return e.scheduleStep(ctx, a)
	}

	if !a.Outbound {
		return e.complete(ctx, a, ir.ActionSucceeded)
	}
	return nil
}

// concludeStep reports one child of a step as finished. The step's last
// child advances the action.
func (e *Engine) concludeStep(ctx context.Context, stepID int64, succeeded bool) error {
	return e.store.InTx(ctx, func(ctx context.Context) error {
		st, err := e.store.ReadStepForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if st.PendingActionsCount <= 0 {
			return fmt.Errorf("conclude step %d: %w", stepID, ErrNoPendingActions)
		}

		st.PendingActionsCount--
		if !succeeded {
			st.UnsuccessfulActionsCount++
		}
		if st.PendingActionsCount > 0 {
			return e.store.UpdateStep(ctx, st)
		}
		return e.finishStep(ctx, st)
	})
}

// ConcludeWait resolves one timed wait of a step.
func (e *Engine) ConcludeWait(ctx context.Context, stepID int64) error {
	return e.concludeStep(ctx, stepID, true)
}
