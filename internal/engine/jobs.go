package engine

import (
	"context"
	"fmt"

	"github.com/roach88/stepped/internal/ir"
)

// HandleJob runs a builtin job. Application kinds are handled by the
// worker's registered handlers.
func (e *Engine) HandleJob(ctx context.Context, job *ir.Job) error {
	switch job.Kind {
	case ir.JobAction:
		var p ir.ActionJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		_, err := e.Perform(ctx, Request{
			Actor:        p.Actor,
			Name:         p.Name,
			Args:         p.Args,
			ParentStepID: p.ParentStepID,
		})
		return err

	case ir.JobWait:
		var p ir.WaitJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		return e.ConcludeWait(ctx, p.StepID)

	case ir.JobTimeout:
		var p ir.TimeoutJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		return e.EnforceTimeout(ctx, p.ActionID)

	case ir.JobCompleteAction:
		var p ir.CompleteActionJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.Status == "" {
			p.Status = ir.ActionSucceeded
		}
		_, err := e.CompleteOutbound(ctx, p.Actor, p.Name, p.Status)
		return err

	case ir.JobPerformStep, ir.JobConcludeStep:
		return e.runFollowUp(ctx, job)

	default:
		return fmt.Errorf("job %d: %w %q", job.ID, ErrUnknownJobKind, job.Kind)
	}
}

// IsBuiltin reports whether the engine handles kind itself.
func IsBuiltin(kind ir.JobKind) bool {
	for _, k := range ir.BuiltinJobKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// EnqueueAction queues a root action request. It runs when a worker
// claims it.
func (e *Engine) EnqueueAction(ctx context.Context, req Request) (*ir.Job, error) {
	job, err := ir.NewJob(ir.JobAction, ir.ActionJob{
		Actor:        req.Actor,
		Name:         req.Name,
		Args:         req.Args,
		ParentStepID: req.ParentStepID,
	}, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.EnqueueJob(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// EnqueueCompletion queues an outbound completion signal.
func (e *Engine) EnqueueCompletion(ctx context.Context, actor ir.ActorRef, name string, status ir.ActionStatus) (*ir.Job, error) {
	if !status.Completed() {
		return nil, fmt.Errorf("complete %s on %s: %q is not a terminal status", name, actor, status)
	}
	job, err := ir.NewJob(ir.JobCompleteAction, ir.CompleteActionJob{Actor: actor, Name: name, Status: status}, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.EnqueueJob(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
