package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/stepped/internal/ir"
)

// maxAdmissionAttempts bounds re-selection after losing the race to create
// a performance.
const maxAdmissionAttempts = 3

// obtainFor admits candidate through the performance of its concurrency
// key, creating the performance with candidate as its active action when
// none exists. Must run inside a unit of work.
func (e *Engine) obtainFor(ctx context.Context, candidate *ir.Action) (*ir.Action, error) {
	for attempt := 1; ; attempt++ {
		var result *ir.Action
		err := e.store.InTx(ctx, func(ctx context.Context) error {
			perf, err := e.store.FindPerformanceByConcurrencyKey(ctx, candidate.ConcurrencyKey)
			if err != nil {
				return err
			}
			if perf == nil {
				if err := e.store.CreateAction(ctx, candidate); err != nil {
					return err
				}
				perf = &ir.Performance{
					ActionID:            candidate.ID,
					ConcurrencyKey:      candidate.ConcurrencyKey,
					OutboundCompleteKey: candidate.OutboundCompleteKey(),
				}
				created, err := e.store.InsertPerformance(ctx, perf)
				if err != nil {
					return err
				}
				if !created {
					return errKeyTaken
				}
			}
			result, err = e.shareWith(ctx, perf, candidate)
			return err
		})

		switch {
		case errors.Is(err, errKeyTaken) && attempt < maxAdmissionAttempts:
			e.logger.Debug("performance created concurrently, retrying", "concurrency_key", candidate.ConcurrencyKey)
			candidate.ID = 0
			continue
		case errors.Is(err, errAchieved):
			return e.achieved(ctx, candidate)
		case err != nil:
			candidate.ID = 0
			return nil, fmt.Errorf("admit %s: %w", candidate, err)
		}
		return result, nil
	}
}

// shareWith decides what candidate becomes within perf: short-circuited by
// an achievement, deadlocked, redirected to an in-flight action with the
// same checksum, or attached (superseding other queued actions).
func (e *Engine) shareWith(ctx context.Context, perf *ir.Performance, candidate *ir.Action) (*ir.Action, error) {
	// The unlocked check in Perform can race with a concurrent grant.
	achieved, err := e.store.AchievementExists(ctx, candidate.ChecksumKey, candidate.Checksum)
	if err != nil {
		return nil, err
	}
	if achieved {
		return nil, errAchieved
	}

	if perf.ActionID != candidate.ID {
		deadlocked, err := e.descendantOf(ctx, candidate, perf.ActionID)
		if err != nil {
			return nil, err
		}
		if deadlocked {
			return e.deadlock(ctx, candidate)
		}
	}

	if candidate.Checksum != "" {
		actions, err := e.store.PerformanceActions(ctx, perf.ID)
		if err != nil {
			return nil, err
		}
		for _, other := range actions {
			if other.ID == candidate.ID || !other.Achieves(candidate) {
				continue
			}
			if err := e.copyParentSteps(ctx, candidate, other.ID); err != nil {
				return nil, err
			}
			e.logger.Info("action joined in-flight action",
				"action", candidate.String(),
				"action_id", other.ID,
				"checksum", candidate.ShortChecksum(),
			)
			return other, nil
		}
	}

	if !candidate.Persisted() {
		if err := e.store.CreateAction(ctx, candidate); err != nil {
			return nil, err
		}
	}

	queued, err := e.store.PendingPerformanceActions(ctx, perf.ID, perf.ActionID)
	if err != nil {
		return nil, err
	}
	for _, old := range queued {
		if old.ID == candidate.ID {
			continue
		}
		if err := e.supersede(ctx, old, candidate); err != nil {
			return nil, err
		}
	}

	return candidate, e.updatePerformance(ctx, perf, candidate)
}

// supersede retires a queued action in favour of by. Steps awaiting old
// now await by.
func (e *Engine) supersede(ctx context.Context, old, by *ir.Action) error {
	now := e.now()
	old.Status = ir.ActionSuperseded
	old.CompletedAt = &now
	old.PerformanceID = 0
	if err := e.store.UpdateAction(ctx, old); err != nil {
		return err
	}
	if err := e.store.CopyParentSteps(ctx, old.ID, by.ID); err != nil {
		return err
	}

	e.observer.ActionCompleted(ir.ActionSuperseded)
	e.logger.Info("action superseded", "action_id", old.ID, "action", old.String(), "by", by.ID)
	return nil
}

// updatePerformance attaches a to perf and starts it when it is the
// performance's active action.
func (e *Engine) updatePerformance(ctx context.Context, perf *ir.Performance, a *ir.Action) error {
	a.PerformanceID = perf.ID
	if a.Status == ir.ActionPending && perf.ActionID == a.ID {
		return e.perform(ctx, a)
	}
	if err := e.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	e.logger.Info("action queued", "action_id", a.ID, "action", a.String(), "behind", perf.ActionID)
	return nil
}

// perform moves a to performing, erases its achievement, schedules the
// timeout check and runs the current step after commit.
func (e *Engine) perform(ctx context.Context, a *ir.Action) error {
	now := e.now()
	a.Status = ir.ActionPerforming
	a.StartedAt = &now
	if err := e.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	if err := e.store.EraseAchievement(ctx, a.ChecksumKey); err != nil {
		return err
	}
	if a.Timeout > 0 {
		if err := e.enqueue(ctx, ir.JobTimeout, ir.TimeoutJob{ActionID: a.ID}, now.Add(a.Timeout)); err != nil {
			return err
		}
	}

	e.logger.Info("action performing", "action_id", a.ID, "action", a.String())
	return e.scheduleStep(ctx, a)
}

// forward finalizes completing and, when it was the active action,
// promotes the oldest incomplete queued action or releases perf.
func (e *Engine) forward(ctx context.Context, perf *ir.Performance, completing *ir.Action, status ir.ActionStatus) error {
	if err := e.finalizeComplete(ctx, completing, status); err != nil {
		return err
	}
	if completing.ID != perf.ActionID {
		return nil
	}

	next, err := e.store.NextIncompleteAction(ctx, perf.ID)
	if err != nil {
		return err
	}
	if next == nil {
		e.logger.Debug("performance released", "concurrency_key", perf.ConcurrencyKey)
		return e.store.DeletePerformance(ctx, perf.ID)
	}

	perf.ActionID = next.ID
	perf.OutboundCompleteKey = next.OutboundCompleteKey()
	if err := e.store.UpdatePerformance(ctx, perf); err != nil {
		return err
	}
	if next.Status == ir.ActionPending {
		return e.perform(ctx, next)
	}
	return nil
}

// complete finishes a through its performance. A no-op when a has no
// performance or already completed.
func (e *Engine) complete(ctx context.Context, a *ir.Action, status ir.ActionStatus) error {
	return e.store.InTx(ctx, func(ctx context.Context) error {
		perf, err := e.store.FindPerformanceByConcurrencyKey(ctx, a.ConcurrencyKey)
		if err != nil {
			return err
		}
		if perf == nil {
			return nil
		}
		fresh, err := e.store.ReadAction(ctx, a.ID)
		if err != nil {
			return err
		}
		if fresh.Completed() {
			return nil
		}
		return e.forward(ctx, perf, fresh, status)
	})
}

// lockAction locks the performance of action id, then the action row.
// Every unit of work that takes both takes them in this order.
func (e *Engine) lockAction(ctx context.Context, id int64) (*ir.Action, error) {
	a, err := e.store.ReadAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.FindPerformanceByConcurrencyKey(ctx, a.ConcurrencyKey); err != nil {
		return nil, err
	}
	return e.store.ReadActionForUpdate(ctx, id)
}

// CompleteAction finishes the action: the active action of a performance
// is finalized and the queue forwarded, a queued action is finalized in
// place. Used by job-backed actions and to cancel queued work.
func (e *Engine) CompleteAction(ctx context.Context, actionID int64, status ir.ActionStatus) error {
	if !status.Completed() {
		return fmt.Errorf("complete action %d: %q is not a terminal status", actionID, status)
	}
	a, err := e.store.ReadAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("complete action: %w", err)
	}
	return e.complete(ctx, a, status)
}

// CompleteOutbound signals the end of the outbound action name on actor.
// Returns false when no performance is waiting for it.
func (e *Engine) CompleteOutbound(ctx context.Context, actor ir.ActorRef, name string, status ir.ActionStatus) (bool, error) {
	if !status.Completed() {
		return false, fmt.Errorf("complete %s on %s: %q is not a terminal status", name, actor, status)
	}

	key := actor.TenancyKey(name)
	var found bool
	err := e.store.InTx(ctx, func(ctx context.Context) error {
		perf, err := e.store.FindPerformanceByOutboundKey(ctx, key)
		if err != nil {
			return err
		}
		if perf == nil {
			return nil
		}
		found = true
		active, err := e.store.ReadAction(ctx, perf.ActionID)
		if err != nil {
			return err
		}
		return e.forward(ctx, perf, active, status)
	})
	if !found && err == nil {
		e.logger.Debug("no outbound action to complete", "outbound_complete_key", key)
	}
	return found, err
}

// EnforceTimeout times out a performing action that has outlived its
// timeout. Anything else is left untouched.
func (e *Engine) EnforceTimeout(ctx context.Context, actionID int64) error {
	a, err := e.store.ReadAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("enforce timeout: %w", err)
	}
	if a.Status != ir.ActionPerforming || a.Timeout <= 0 || a.StartedAt == nil {
		return nil
	}
	if e.now().Before(a.StartedAt.Add(a.Timeout)) {
		return nil
	}

	e.logger.Warn("action timed out", "action_id", a.ID, "action", a.String(), "timeout", a.Timeout)
	return e.complete(ctx, a, ir.ActionTimedOut)
}
