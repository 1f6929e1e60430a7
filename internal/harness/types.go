package harness

import (
	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/sample"
)

// TraceEvent records one executed scenario step and what it produced.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"`
	Target  string `json:"target,omitempty"`
	Args    []any  `json:"args,omitempty"`
	Outcome string `json:"outcome"`
}

// State is the store and actor state after the last step.
type State struct {
	Actions      []*ir.Action               `json:"actions"`
	Performances []*ir.Performance          `json:"performances"`
	Steps        int                        `json:"steps"`
	Jobs         int                        `json:"jobs"`
	Achievements int                        `json:"achievements"`
	Cars         map[string]sample.CarState `json:"cars"`
	Sleepers     map[string]string          `json:"sleepers"`
}

// action returns the stored action with id, or nil.
func (s *State) action(id int64) *ir.Action {
	for _, a := range s.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	State State `json:"state"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State: State{
			Cars:     map[string]sample.CarState{},
			Sleepers: map[string]string{},
		},
	}
}

// AddError records a failed assertion and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(kind, target string, args []any, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     len(r.Trace) + 1,
		Kind:    kind,
		Target:  target,
		Args:    args,
		Outcome: outcome,
	})
}
