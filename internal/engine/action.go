package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
	"github.com/roach88/stepped/internal/store"
)

// Perform runs the start sequence for req: apply the definition, run the
// before hook, compute the checksum, then admit the action through the
// performance of its concurrency key.
//
// The returned action represents req's work:
//   - a persisted action, performing or queued behind the active one
//   - the in-flight action req was redirected to by checksum
//   - an unpersisted action with a terminal status when the work was
//     short-circuited (before hook, achievement, deadlock)
//
// Step bodies run after the admitting unit of work commits. When Perform
// is called inside an open unit of work they run after that one commits.
// An error from the first step body is returned together with the
// persisted action; the step's perform_step job retries it later.
func (e *Engine) Perform(ctx context.Context, req Request) (*ir.Action, error) {
	actor, err := e.registry.Lookup(ctx, req.Actor)
	if err != nil {
		return nil, fmt.Errorf("perform %s: %w", req.Name, err)
	}
	def := e.registry.FindOrAdd(req.Actor.Type, req.Name)

	a := &ir.Action{
		Actor:  req.Actor,
		Name:   req.Name,
		Args:   append(ir.Args{}, req.Args...),
		Status: ir.ActionPending,
		Root:   req.ParentStepID == 0,
	}
	if req.ParentStepID != 0 {
		a.ParentStepIDs = []int64{req.ParentStepID}
	}

	if err := e.applyDefinition(ctx, a, actor, def); err != nil {
		return nil, err
	}
	if err := e.runBefore(ctx, a, actor, def); err != nil {
		return nil, err
	}
	if a.Completed() {
		e.logger.Info("action finished before admission", "action", a.String(), "status", a.Status)
		e.observer.ActionCompleted(a.Status)
		return a, e.propagate(ctx, a)
	}
	if err := e.setChecksum(ctx, a, actor, def); err != nil {
		return nil, err
	}

	achieved, err := e.store.AchievementExists(ctx, a.ChecksumKey, a.Checksum)
	if err != nil {
		return nil, err
	}
	if achieved {
		return e.achieved(ctx, a)
	}

	var result *ir.Action
	err = e.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = e.obtainFor(ctx, a)
		return err
	})
	if err != nil && !store.IsHookError(err) {
		return nil, err
	}
	if result.Persisted() {
		fresh, rerr := e.store.ReadAction(ctx, result.ID)
		if rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		result = fresh
	}
	return result, err
}

// achieved short-circuits an action whose checksum was already
// accomplished. Nothing is stored.
func (e *Engine) achieved(ctx context.Context, a *ir.Action) (*ir.Action, error) {
	a.ID = 0
	a.PerformanceID = 0
	a.Status = ir.ActionSucceeded
	e.logger.Info("action already achieved", "action", a.String(), "checksum", a.ShortChecksum())
	e.observer.ActionCompleted(a.Status)
	return a, e.propagate(ctx, a)
}

func (e *Engine) applyDefinition(ctx context.Context, a *ir.Action, actor registry.Actor, def *registry.Definition) error {
	a.Outbound = def.IsOutbound()
	a.Job = string(def.JobKind())

	var err error
	if a.ConcurrencyKey, err = e.computeKey(ctx, a, actor, "concurrency_key", def.ConcurrencyKeyFunc()); err != nil {
		return err
	}
	if a.ChecksumKey, err = e.computeKey(ctx, a, actor, "checksum_key", def.ChecksumKeyFunc()); err != nil {
		return err
	}

	return callActor(a, "timeout", 0, func() error {
		timeout, err := def.TimeoutFor(ctx, actor)
		if err != nil {
			return err
		}
		a.Timeout = max(timeout, 0)
		return nil
	})
}

// computeKey evaluates a key rule. Blank results fall back to the tenancy
// key.
func (e *Engine) computeKey(ctx context.Context, a *ir.Action, actor registry.Actor, op string, fn registry.KeyFunc) (string, error) {
	if fn == nil {
		return a.TenancyKey(), nil
	}
	var v any
	err := callActor(a, op, 0, func() error {
		var err error
		v, err = fn(ctx, actor, a.Args)
		return err
	})
	if err != nil {
		return "", err
	}
	if key := keyString(v); key != "" {
		return key, nil
	}
	return a.TenancyKey(), nil
}

// keyString renders a key rule result. Slices are joined with
// ir.KeysJoiner; blank values render as "".
func keyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		if strings.TrimSpace(k) == "" {
			return ""
		}
		return k
	case bool:
		if !k {
			return ""
		}
		return "true"
	case registry.Actor:
		return registry.Ref(k).String()
	case fmt.Stringer:
		return k.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, 0, rv.Len())
		for i := range rv.Len() {
			if part := keyString(rv.Index(i).Interface()); part != "" {
				parts = append(parts, part)
			}
		}
		return strings.Join(parts, ir.KeysJoiner)
	}
	return fmt.Sprint(v)
}

// runBefore runs the before hook. A recovered error fails the action.
func (e *Engine) runBefore(ctx context.Context, a *ir.Action, actor registry.Actor, def *registry.Definition) error {
	hook := def.BeforeHook()
	if hook == nil {
		return nil
	}
	err := callActor(a, "before", 0, func() error {
		return hook(ctx, actor, a)
	})
	if err == nil {
		return nil
	}
	if !e.policy.Recovers(err) {
		return err
	}
	e.report(ctx, err)
	a.Status = ir.ActionFailed
	return nil
}

func (e *Engine) setChecksum(ctx context.Context, a *ir.Action, actor registry.Actor, def *registry.Definition) error {
	fn := def.ChecksumFunc()
	if fn == nil {
		return nil
	}
	return callActor(a, "checksum", 0, func() error {
		v, err := fn(ctx, actor, a.Args)
		if err != nil {
			return err
		}
		sum, ok, err := ir.Checksum(v)
		if err != nil {
			return err
		}
		if ok {
			a.Checksum = sum
		}
		return nil
	})
}

// descendantOf reports whether a awaits a step of ancestorID, directly or
// through any chain of parent steps.
func (e *Engine) descendantOf(ctx context.Context, a *ir.Action, ancestorID int64) (bool, error) {
	if a.Persisted() {
		return e.store.IsDescendantOf(ctx, a.ID, ancestorID)
	}
	for _, stepID := range a.ParentStepIDs {
		st, err := e.store.ReadStep(ctx, stepID)
		if err != nil {
			return false, err
		}
		if st.ActionID == ancestorID {
			return true, nil
		}
		found, err := e.store.IsDescendantOf(ctx, st.ActionID, ancestorID)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// deadlock marks a candidate that would wait on its own ancestor. The
// candidate is never stored.
func (e *Engine) deadlock(ctx context.Context, a *ir.Action) (*ir.Action, error) {
	err := &DeadlockError{Actor: a.Actor, Name: a.Name}
	if !e.policy.Recovers(err) {
		return nil, err
	}
	e.report(ctx, err)
	e.observer.Deadlock()

	a.Status = ir.ActionDeadlocked
	e.observer.ActionCompleted(a.Status)
	return a, e.propagate(ctx, a)
}

// copyParentSteps makes every step awaiting from also await toID.
func (e *Engine) copyParentSteps(ctx context.Context, from *ir.Action, toID int64) error {
	if from.Persisted() {
		return e.store.CopyParentSteps(ctx, from.ID, toID)
	}
	for _, stepID := range from.ParentStepIDs {
		if err := e.store.AddParentStep(ctx, toID, stepID); err != nil {
			return err
		}
	}
	return nil
}

// finalizeComplete gives a an end status, runs its after-callbacks,
// detaches it from its performance and grants the achievement. Parent
// steps are concluded after commit.
func (e *Engine) finalizeComplete(ctx context.Context, a *ir.Action, status ir.ActionStatus) error {
	if a.Completed() {
		return nil
	}

	actor, err := e.registry.Lookup(ctx, a.Actor)
	if err != nil {
		return fmt.Errorf("finalize action %d: %w", a.ID, err)
	}
	def := e.registry.FindOrAdd(a.Actor.Type, a.Name)

	a.Status = status
	for _, cb := range def.Callbacks(status) {
		err := callActor(a, "after", 0, func() error {
			return cb.Func(ctx, actor, a)
		})
		if err == nil {
			a.AfterCallbacksSucceeded++
			continue
		}
		if !e.policy.Recovers(err) {
			return err
		}
		e.report(ctx, err)
		a.AfterCallbacksFailed++
	}

	now := e.now()
	a.CompletedAt = &now
	a.PerformanceID = 0
	if err := e.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	if a.SucceededIncludingCallbacks() && a.Checksum != "" {
		if err := e.store.GrantAchievement(ctx, a.ChecksumKey, a.Checksum); err != nil {
			return err
		}
	}

	e.observer.ActionCompleted(status)
	e.logger.Info("action completed",
		"action_id", a.ID,
		"action", a.String(),
		"status", status,
		"callbacks_failed", a.AfterCallbacksFailed,
	)
	return e.propagate(ctx, a)
}

// propagate concludes every step awaiting a once the current unit of
// work commits.
func (e *Engine) propagate(ctx context.Context, a *ir.Action) error {
	succeeded := a.SucceededIncludingCallbacks()
	return e.store.InTx(ctx, func(ctx context.Context) error {
		stepIDs := a.ParentStepIDs
		if a.Persisted() {
			var err error
			if stepIDs, err = e.store.ParentStepIDs(ctx, a.ID); err != nil {
				return err
			}
		}
		for _, stepID := range stepIDs {
			if err := e.followUp(ctx, ir.JobConcludeStep, ir.ConcludeStepJob{StepID: stepID, Succeeded: succeeded}); err != nil {
				return err
			}
		}
		return nil
	})
}
