package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/stepped/internal/ir"
)

type actorType struct {
	name   string
	parent string
	finder Finder
}

// Registry maps (actor type, action name) to definitions and resolves
// actor references through registered finders.
//
// Safe for concurrent use; in practice it is written during start-up and
// only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*actorType
	defs     map[string]map[string]*Definition
	jobKinds []ir.JobKind
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types: make(map[string]*actorType),
		defs:  make(map[string]map[string]*Definition),
	}
}

// RegisterType declares an actor type and its parent ("" for none). The
// parent must already be registered, which rules out cycles.
func (r *Registry) RegisterType(name, parent string, finder Finder) error {
	if name == "" {
		return fmt.Errorf("register type: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return fmt.Errorf("register type %q: already registered", name)
	}
	if parent != "" {
		if _, ok := r.types[parent]; !ok {
			return fmt.Errorf("register type %q: parent %q: %w", name, parent, ErrUnknownActorType)
		}
	}
	r.types[name] = &actorType{name: name, parent: parent, finder: finder}
	return nil
}

// Ancestors returns name followed by its parent chain, nearest first.
// An unregistered type is its own only ancestor.
func (r *Registry) Ancestors(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ancestors(name)
}

func (r *Registry) ancestors(name string) []string {
	chain := []string{name}
	t, ok := r.types[name]
	for ok && t.parent != "" {
		chain = append(chain, t.parent)
		t, ok = r.types[t.parent]
	}
	return chain
}

// Lookup loads the actor a reference points at.
func (r *Registry) Lookup(ctx context.Context, ref ir.ActorRef) (Actor, error) {
	r.mu.RLock()
	t, ok := r.types[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", ref, ErrUnknownActorType)
	}
	if t.finder == nil {
		return ref, nil
	}
	actor, err := t.finder(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ref, err)
	}
	return actor, nil
}

// Define declares an action on actorType, replacing any previous
// definition of the same name on that exact type.
func (r *Registry) Define(actorType, name string, configure func(*Definition)) (*Definition, error) {
	d, err := newDefinition(actorType, name, configure)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(d)
	return d, nil
}

// MustDefine is Define for start-up code with static definitions.
func (r *Registry) MustDefine(actorType, name string, configure func(*Definition)) *Definition {
	d, err := r.Define(actorType, name, configure)
	if err != nil {
		panic(err)
	}
	return d
}

func (r *Registry) addLocked(d *Definition) {
	byName, ok := r.defs[d.actorType]
	if !ok {
		byName = make(map[string]*Definition)
		r.defs[d.actorType] = byName
	}
	byName[d.name] = d
	if d.job != "" && !slices.Contains(r.jobKinds, d.job) {
		r.jobKinds = append(r.jobKinds, d.job)
	}
}

// Find returns the nearest definition of name along actorType's ancestry,
// or nil.
func (r *Registry) Find(actorType, name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(actorType, name)
}

func (r *Registry) findLocked(actorType, name string) *Definition {
	for _, ancestor := range r.ancestors(actorType) {
		if d, ok := r.defs[ancestor][name]; ok {
			return d
		}
	}
	return nil
}

// FindOrAdd returns the nearest definition, adding a default one on
// actorType when none exists. The default's single step calls the actor's
// Perform method.
func (r *Registry) FindOrAdd(actorType, name string) *Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.findLocked(actorType, name); d != nil {
		return d
	}
	// A nil configure cannot produce errors.
	d, _ := newDefinition(actorType, name, nil)
	r.addLocked(d)
	return d
}

// PrependStep inserts a step at the front of actorType's definition of
// name, duplicating an inherited definition first.
func (r *Registry) PrependStep(actorType, name string, fn StepFunc) error {
	return r.amend(actorType, name, func(d *Definition) { d.PrependStep(fn) })
}

// After adds an after-callback to actorType's definition of name,
// duplicating an inherited definition first.
func (r *Registry) After(actorType, name string, fn CallbackFunc, statuses ...ir.ActionStatus) error {
	return r.amend(actorType, name, func(d *Definition) { d.After(fn, statuses...) })
}

func (r *Registry) amend(actorType, name string, change func(*Definition)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.findLocked(actorType, name)
	if d == nil {
		d, _ = newDefinition(actorType, name, nil)
		r.addLocked(d)
	}
	if d.actorType != actorType {
		own, err := d.duplicateAs(actorType)
		if err != nil {
			return err
		}
		r.addLocked(own)
		d = own
	}

	change(d)
	if len(d.errs) > 0 {
		err := fmt.Errorf("amend %s/%s: %w", actorType, name, errors.Join(d.errs...))
		d.errs = nil
		return err
	}
	return nil
}

// JobKinds returns the application job kinds of all definitions, in the
// order they were first defined.
func (r *Registry) JobKinds() []ir.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.jobKinds)
}
