package registry

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/stepped/internal/ir"
)

// ErrUnknownActorType is returned when an actor reference names a type that
// was never registered.
var ErrUnknownActorType = errors.New("unknown actor type")

// Actor is the domain object an action is performed on.
//
// ir.ActorRef satisfies Actor, so a bare reference can be passed wherever
// the concrete object is not at hand.
type Actor interface {
	ActorType() string
	ActorID() string
}

// Performer is implemented by actors that execute definitions without
// explicit steps. The default step calls Perform with the action name and
// arguments.
type Performer interface {
	Perform(ctx context.Context, name string, args ir.Args) error
}

// Finder loads an actor of one type by id.
type Finder func(ctx context.Context, id string) (Actor, error)

// Ref returns the storable reference of an actor.
func Ref(a Actor) ir.ActorRef {
	if ref, ok := a.(ir.ActorRef); ok {
		return ref
	}
	return ir.ActorRef{Type: a.ActorType(), ID: a.ActorID()}
}

// Step is the handle a step body uses to fan out.
//
// Every request is buffered and only issued when the body returns nil; a
// body that returns an error issues nothing.
type Step interface {
	// Do starts a child action on the step's own actor.
	Do(name string, args ...any)

	// On starts a child action on another actor. A nil actor is skipped.
	On(actor Actor, name string, args ...any)

	// OnEach starts one child action per non-nil actor.
	OnEach(actors []Actor, name string, args ...any)

	// Wait holds the step open for d.
	Wait(d time.Duration)

	// Enqueue queues an application job carrying the action id. The step
	// does not wait for it.
	Enqueue(kind ir.JobKind)

	// Fail marks the step failed once its children conclude.
	Fail()

	// Action returns the owning action. Changes to its Args are persisted
	// with the step.
	Action() *ir.Action

	// Index returns the zero-based position of the step in its definition.
	Index() int
}

// StepFunc is the body of one step.
type StepFunc func(ctx context.Context, actor Actor, step Step, args ir.Args) error

// BeforeFunc runs before an action is admitted. It may change
// action.Args, or finish the action early with action.Cancel or
// action.Complete.
type BeforeFunc func(ctx context.Context, actor Actor, action *ir.Action) error

// KeyFunc derives a concurrency key, checksum key or checksum input from
// the actor and arguments.
//
// For keys, a blank result (nil, "", empty slice) falls back to the tenancy
// key and slices are joined with ir.KeysJoiner. For checksums, nil disables
// deduplication.
type KeyFunc func(ctx context.Context, actor Actor, args ir.Args) (any, error)

// TimeoutFunc computes a per-actor timeout. Zero means no timeout.
type TimeoutFunc func(ctx context.Context, actor Actor) (time.Duration, error)

// CallbackFunc runs after an action completes.
type CallbackFunc func(ctx context.Context, actor Actor, action *ir.Action) error
