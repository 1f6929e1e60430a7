package engine

import (
	"context"
	"fmt"

	"github.com/roach88/stepped/internal/ir"
)

// followUp records work that must happen once the unit of work in ctx
// commits: running a step or concluding a parent step.
//
// The work is written as a job in the same unit of work, due after
// followUpDelay, and run right after commit. A successful run removes the
// job; when the run fails, or the process dies before it, a worker claims
// the job later and retries it under the queue's backoff.
func (e *Engine) followUp(ctx context.Context, kind ir.JobKind, payload any) error {
	job, err := ir.NewJob(kind, payload, e.now().Add(e.followUpDelay))
	if err != nil {
		return err
	}
	if err := e.store.EnqueueJob(ctx, &job); err != nil {
		return err
	}

	return e.store.AfterCommit(ctx, func(ctx context.Context) error {
		return e.runFollowUp(ctx, &job)
	})
}

// runFollowUp performs a perform_step or conclude_step job, whether right
// after commit or from a worker.
func (e *Engine) runFollowUp(ctx context.Context, job *ir.Job) error {
	switch job.Kind {
	case ir.JobPerformStep:
		var p ir.PerformStepJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		return e.performCurrentStep(ctx, p, job.ID)

	case ir.JobConcludeStep:
		var p ir.ConcludeStepJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		// Taking the job is what makes the conclusion happen once.
		return e.store.InTx(ctx, func(ctx context.Context) error {
			taken, err := e.store.TakeJob(ctx, job.ID)
			if err != nil || !taken {
				return err
			}
			return e.concludeStep(ctx, p.StepID, p.Succeeded)
		})
	}
	return fmt.Errorf("job %d: %w %q", job.ID, ErrUnknownJobKind, job.Kind)
}

// scheduleStep runs a's current step after commit.
func (e *Engine) scheduleStep(ctx context.Context, a *ir.Action) error {
	return e.followUp(ctx, ir.JobPerformStep, ir.PerformStepJob{
		ActionID:  a.ID,
		StepIndex: a.CurrentStepIndex,
	})
}
