package engine

import "github.com/roach88/stepped/internal/ir"

// Observer receives engine lifecycle notifications. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	ActionCompleted(status ir.ActionStatus)
	StepConcluded(status ir.StepStatus)
	Deadlock()
	Recovered(kind string)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) ActionCompleted(ir.ActionStatus) {}
func (NopObserver) StepConcluded(ir.StepStatus)     {}
func (NopObserver) Deadlock()                       {}
func (NopObserver) Recovered(string)                {}
