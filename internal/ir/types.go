package ir

import "fmt"

// ActionStatus is the lifecycle state of an Action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionPerforming ActionStatus = "performing"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionSuperseded ActionStatus = "superseded"
	ActionCancelled  ActionStatus = "cancelled"
	ActionFailed     ActionStatus = "failed"
	ActionTimedOut   ActionStatus = "timed_out"
	ActionDeadlocked ActionStatus = "deadlocked"
)

// ActionStatuses lists every status in declaration order.
var ActionStatuses = []ActionStatus{
	ActionPending,
	ActionPerforming,
	ActionSucceeded,
	ActionSuperseded,
	ActionCancelled,
	ActionFailed,
	ActionTimedOut,
	ActionDeadlocked,
}

// Completed reports whether s is terminal. Once an action reaches a
// terminal status it never leaves it.
func (s ActionStatus) Completed() bool {
	switch s {
	case ActionSucceeded, ActionSuperseded, ActionCancelled,
		ActionFailed, ActionTimedOut, ActionDeadlocked:
		return true
	}
	return false
}

// Incomplete reports whether s is pending or performing.
func (s ActionStatus) Incomplete() bool {
	return s == ActionPending || s == ActionPerforming
}

// ParseActionStatus converts a string to an ActionStatus.
func ParseActionStatus(s string) (ActionStatus, error) {
	for _, st := range ActionStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown action status %q", s)
}

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepPerforming StepStatus = "performing"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
)

// Completed reports whether s is succeeded or failed.
func (s StepStatus) Completed() bool {
	return s == StepSucceeded || s == StepFailed
}
