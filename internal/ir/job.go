package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind identifies the handler for an enqueued job.
type JobKind string

const (
	// JobAction starts an action (root or child of a step).
	JobAction JobKind = "action"
	// JobWait resolves a step's timed wait.
	JobWait JobKind = "wait"
	// JobTimeout enforces an action's timeout.
	JobTimeout JobKind = "timeout"
	// JobCompleteAction signals outbound completion for an actor/name pair.
	JobCompleteAction JobKind = "complete_action"
	// JobPerformStep runs an action's current step.
	JobPerformStep JobKind = "perform_step"
	// JobConcludeStep reports a finished child to its parent step.
	JobConcludeStep JobKind = "conclude_step"
)

// BuiltinJobKinds lists the kinds handled by the engine itself.
var BuiltinJobKinds = []JobKind{
	JobAction, JobWait, JobTimeout, JobCompleteAction, JobPerformStep, JobConcludeStep,
}

// Job is a row in the jobs outbox.
type Job struct {
	ID          int64           `json:"id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %d: %w", j.Kind, j.ID, err)
	}
	return nil
}

// ActionJob requests that name be performed on Actor.
// ParentStepID is zero for root actions.
type ActionJob struct {
	Actor        ActorRef `json:"actor"`
	Name         string   `json:"name"`
	Args         Args     `json:"arguments"`
	ParentStepID int64    `json:"parent_step_id,omitempty"`
}

// WaitJob concludes one pending slot of a step after a delay.
type WaitJob struct {
	StepID int64 `json:"step_id"`
}

// TimeoutJob checks whether an action outlived its timeout.
type TimeoutJob struct {
	ActionID int64 `json:"action_id"`
}

// CompleteActionJob signals external completion of an outbound action.
type CompleteActionJob struct {
	Actor  ActorRef     `json:"actor"`
	Name   string       `json:"name"`
	Status ActionStatus `json:"status"`
}

// PerformStepJob runs step StepIndex of an action that is still on it.
type PerformStepJob struct {
	ActionID  int64 `json:"action_id"`
	StepIndex int   `json:"step_index"`
}

// ConcludeStepJob concludes one pending slot of a step with the outcome of
// the child that held it.
type ConcludeStepJob struct {
	StepID    int64 `json:"step_id"`
	Succeeded bool  `json:"succeeded"`
}

// CustomJob is the payload of application job kinds bound to a definition.
type CustomJob struct {
	ActionID int64 `json:"action_id"`
}

// NewJob builds an unsaved job with a JSON payload.
func NewJob(kind JobKind, payload any, runAt time.Time) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s job: %w", kind, err)
	}
	return Job{Kind: kind, Payload: data, RunAt: runAt}, nil
}
