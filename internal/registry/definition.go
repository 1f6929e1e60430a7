package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/stepped/internal/ir"
)

// AllStatuses registers an after-callback for every terminal status.
const AllStatuses ir.ActionStatus = "all"

// CallbackStatuses are the statuses After accepts besides AllStatuses.
var CallbackStatuses = []ir.ActionStatus{
	ir.ActionCancelled,
	ir.ActionTimedOut,
	ir.ActionSucceeded,
	ir.ActionFailed,
}

// Callback is one after-callback and the status it fires on.
type Callback struct {
	Status ir.ActionStatus
	Func   CallbackFunc
}

// Matches reports whether the callback fires for status.
func (c Callback) Matches(status ir.ActionStatus) bool {
	return c.Status == AllStatuses || c.Status == status
}

// Definition describes how one action runs on one actor type.
//
// The configuring function passed to Registry.Define calls the builder
// methods below. It is kept so that a subtype can rebuild its own copy.
type Definition struct {
	actorType string
	name      string

	outbound       bool
	timeout        time.Duration
	timeoutFunc    TimeoutFunc
	job            ir.JobKind
	before         BeforeFunc
	concurrencyKey KeyFunc
	checksumKey    KeyFunc
	checksum       KeyFunc
	steps          []StepFunc
	callbacks      []Callback

	configure func(*Definition)
	errs      []error
}

func newDefinition(actorType, name string, configure func(*Definition)) (*Definition, error) {
	d := &Definition{actorType: actorType, name: name, configure: configure}
	if configure != nil {
		configure(d)
	}
	if len(d.steps) == 0 {
		d.steps = append(d.steps, d.defaultStep())
	}
	if err := errors.Join(d.errs...); err != nil {
		return nil, fmt.Errorf("define %s/%s: %w", actorType, name, err)
	}
	return d, nil
}

// duplicateAs rebuilds the definition for a subtype from the same
// configuration.
func (d *Definition) duplicateAs(actorType string) (*Definition, error) {
	return newDefinition(actorType, d.name, d.configure)
}

// Outbound marks the action as completed by an external signal rather than
// by finishing its steps.
func (d *Definition) Outbound() {
	d.outbound = true
}

// Timeout sets a fixed timeout measured from the start of performing.
func (d *Definition) Timeout(timeout time.Duration) {
	d.timeout = timeout
	d.timeoutFunc = nil
}

// TimeoutFunc computes the timeout from the actor.
func (d *Definition) TimeoutFunc(fn TimeoutFunc) {
	d.timeoutFunc = fn
	d.timeout = 0
}

// Job backs the action with an application job kind. The action becomes
// outbound and, without explicit steps, its only step enqueues the job.
func (d *Definition) Job(kind ir.JobKind) {
	if slices.Contains(ir.BuiltinJobKinds, kind) {
		d.errs = append(d.errs, fmt.Errorf("job kind %q is reserved", kind))
		return
	}
	d.job = kind
	d.outbound = true
}

// Before sets the hook run ahead of admission.
func (d *Definition) Before(fn BeforeFunc) {
	d.before = fn
}

// ConcurrencyKey overrides the default (tenancy) concurrency key.
func (d *Definition) ConcurrencyKey(fn KeyFunc) {
	d.concurrencyKey = fn
}

// ChecksumKey overrides the default (tenancy) checksum key.
func (d *Definition) ChecksumKey(fn KeyFunc) {
	d.checksumKey = fn
}

// Checksum enables deduplication on the value fn returns.
func (d *Definition) Checksum(fn KeyFunc) {
	d.checksum = fn
}

// Step appends a step.
func (d *Definition) Step(fn StepFunc) {
	d.steps = append(d.steps, fn)
}

// PrependStep inserts a step before all others.
func (d *Definition) PrependStep(fn StepFunc) {
	d.steps = slices.Insert(d.steps, 0, fn)
}

// After registers fn for the given terminal statuses, or for all of them
// when none are given.
func (d *Definition) After(fn CallbackFunc, statuses ...ir.ActionStatus) {
	if len(statuses) == 0 {
		statuses = []ir.ActionStatus{AllStatuses}
	}
	for _, status := range statuses {
		if status != AllStatuses && !slices.Contains(CallbackStatuses, status) {
			d.errs = append(d.errs, fmt.Errorf("after-callback status %q must be one of %v or %q", status, CallbackStatuses, AllStatuses))
			continue
		}
		d.callbacks = append(d.callbacks, Callback{Status: status, Func: fn})
	}
}

// Succeeded registers fn for ir.ActionSucceeded.
func (d *Definition) Succeeded(fn CallbackFunc) { d.After(fn, ir.ActionSucceeded) }

// Failed registers fn for ir.ActionFailed.
func (d *Definition) Failed(fn CallbackFunc) { d.After(fn, ir.ActionFailed) }

// Cancelled registers fn for ir.ActionCancelled.
func (d *Definition) Cancelled(fn CallbackFunc) { d.After(fn, ir.ActionCancelled) }

// TimedOut registers fn for ir.ActionTimedOut.
func (d *Definition) TimedOut(fn CallbackFunc) { d.After(fn, ir.ActionTimedOut) }

// ActorType returns the type the definition was registered on.
func (d *Definition) ActorType() string { return d.actorType }

// Name returns the action name.
func (d *Definition) Name() string { return d.name }

// IsOutbound reports whether completion is signalled externally.
func (d *Definition) IsOutbound() bool { return d.outbound }

// JobKind returns the backing job kind, if any.
func (d *Definition) JobKind() ir.JobKind { return d.job }

// BeforeHook returns the before hook, or nil.
func (d *Definition) BeforeHook() BeforeFunc { return d.before }

// ConcurrencyKeyFunc returns the concurrency key rule, or nil.
func (d *Definition) ConcurrencyKeyFunc() KeyFunc { return d.concurrencyKey }

// ChecksumKeyFunc returns the checksum key rule, or nil.
func (d *Definition) ChecksumKeyFunc() KeyFunc { return d.checksumKey }

// ChecksumFunc returns the checksum rule, or nil.
func (d *Definition) ChecksumFunc() KeyFunc { return d.checksum }

// StepCount returns the number of steps.
func (d *Definition) StepCount() int { return len(d.steps) }

// StepAt returns step i.
func (d *Definition) StepAt(i int) (StepFunc, error) {
	if i < 0 || i >= len(d.steps) {
		return nil, fmt.Errorf("%s/%s has no step %d", d.actorType, d.name, i)
	}
	return d.steps[i], nil
}

// Callbacks returns the callbacks that fire for status, in registration
// order.
func (d *Definition) Callbacks(status ir.ActionStatus) []Callback {
	var out []Callback
	for _, cb := range d.callbacks {
		if cb.Matches(status) {
			out = append(out, cb)
		}
	}
	return out
}

// TimeoutFor resolves the timeout for actor. Zero means none.
func (d *Definition) TimeoutFor(ctx context.Context, actor Actor) (time.Duration, error) {
	if d.timeoutFunc != nil {
		return d.timeoutFunc(ctx, actor)
	}
	return d.timeout, nil
}

func (d *Definition) defaultStep() StepFunc {
	if d.job != "" {
		kind := d.job
		return func(_ context.Context, _ Actor, step Step, _ ir.Args) error {
			step.Enqueue(kind)
			return nil
		}
	}
	name := d.name
	return func(ctx context.Context, actor Actor, _ Step, args ir.Args) error {
		p, ok := actor.(Performer)
		if !ok {
			return fmt.Errorf("%s/%s: actor %T does not implement Performer", actor.ActorType(), name, actor)
		}
		return p.Perform(ctx, name, args)
	}
}
