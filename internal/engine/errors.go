package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/roach88/stepped/internal/ir"
)

var (
	// ErrActor matches every error raised by actor code (before hooks, step
	// bodies, key and checksum rules, after-callbacks).
	ErrActor = errors.New("actor error")

	// ErrPanic matches actor code that panicked.
	ErrPanic = errors.New("actor panic")

	// ErrDeadlock matches a candidate that would wait on its own ancestor.
	ErrDeadlock = errors.New("deadlock")

	// ErrNoPendingActions is a consistency violation: a step was concluded
	// more times than it fanned out. Never recoverable.
	ErrNoPendingActions = errors.New("no pending actions")

	// errAchieved is returned internally when an achievement short-circuits
	// admission under the performance lock.
	errAchieved = errors.New("already achieved")

	// ErrUnknownJobKind is returned by HandleJob for kinds it does not own.
	ErrUnknownJobKind = errors.New("unknown job kind")

	// errKeyTaken means another unit of work created the performance first.
	errKeyTaken = errors.New("concurrency key taken")
)

// ActorError wraps an error returned (or a panic raised) by actor code.
//
// errors.Is(err, ErrActor) holds for every ActorError; errors.Is also
// reaches the original cause.
type ActorError struct {
	// Op names the hook that failed: "before", "step", "concurrency_key",
	// "checksum_key", "checksum", "timeout" or "after".
	Op string

	// Action is the actor/name pair, e.g. "Car/1#drive".
	Action string

	// Step is the zero-based step index for Op == "step".
	Step int

	Err error
}

func (e *ActorError) Error() string {
	if e.Op == "step" {
		return fmt.Sprintf("%s step %d: %v", e.Action, e.Step+1, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Action, e.Op, e.Err)
}

func (e *ActorError) Unwrap() []error {
	return []error{ErrActor, e.Err}
}

// DeadlockError reports a candidate whose admission would wait on an
// ancestor holding the same performance.
type DeadlockError struct {
	Actor ir.ActorRef
	Name  string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock: %s on %s", e.Name, e.Actor)
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}

// IsActorError returns true if the error came from actor code.
// Uses errors.As to handle wrapped errors.
func IsActorError(err error) bool {
	var ae *ActorError
	return errors.As(err, &ae)
}

// IsDeadlockError returns true if the error is a deadlock.
func IsDeadlockError(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

// ErrorPolicy decides which errors are converted into failed statuses.
//
// An error is recoverable when errors.Is matches any entry of Recoverable.
// Recoverable errors are logged, passed to Report and recorded; everything
// else propagates and rolls back the current unit of work.
type ErrorPolicy struct {
	Recoverable []error

	// Report, if set, receives every recovered error.
	Report func(ctx context.Context, err error)
}

// RecoverAll treats every actor error and deadlock as recoverable.
func RecoverAll() ErrorPolicy {
	return ErrorPolicy{Recoverable: []error{ErrActor, ErrDeadlock}}
}

// Recovers reports whether err is on the allow-list.
// ErrNoPendingActions never is.
func (p ErrorPolicy) Recovers(err error) bool {
	if err == nil || errors.Is(err, ErrNoPendingActions) {
		return false
	}
	for _, target := range p.Recoverable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RecoverableKinds maps configuration names to policy entries.
var RecoverableKinds = map[string]error{
	"actor":    ErrActor,
	"deadlock": ErrDeadlock,
	"panic":    ErrPanic,
}

// PolicyFor builds a policy from configuration names.
func PolicyFor(kinds []string) (ErrorPolicy, error) {
	var p ErrorPolicy
	for _, kind := range kinds {
		target, ok := RecoverableKinds[kind]
		if !ok {
			return ErrorPolicy{}, fmt.Errorf("unknown recoverable error kind %q", kind)
		}
		p.Recoverable = append(p.Recoverable, target)
	}
	return p, nil
}

// errorKind names err for logs and metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDeadlock):
		return "deadlock"
	case errors.Is(err, ErrPanic):
		return "panic"
	case errors.Is(err, ErrActor):
		return "actor"
	default:
		return "other"
	}
}

// callActor runs actor code, converting errors and panics into an
// *ActorError.
func callActor(a *ir.Action, op string, step int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActorError{
				Op:     op,
				Action: a.String(),
				Step:   step,
				Err:    fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack()),
			}
		}
	}()
	if err := fn(); err != nil {
		return &ActorError{Op: op, Action: a.String(), Step: step, Err: err}
	}
	return nil
}
