// Package sample defines demo actor types that the CLI worker and the
// scenario harness run: sleepers that fan out naps to each other, and cars
// that drive, honk and visit places.
package sample

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/registry"
)

// Actor type names.
const (
	SleeperType = "sleeper"
	CarType     = "car"
)

// Completer queues the external completion of an outbound action.
// engine.Engine satisfies it.
type Completer interface {
	EnqueueCompletion(ctx context.Context, actor ir.ActorRef, name string, status ir.ActionStatus) (*ir.Job, error)
}

// Repo is an in-memory find-or-create repository for one actor type.
type Repo[T registry.Actor] struct {
	mu     sync.Mutex
	items  map[string]T
	create func(id string) T
}

// NewRepo creates a repository that builds missing actors with create.
func NewRepo[T registry.Actor](create func(id string) T) *Repo[T] {
	return &Repo[T]{items: make(map[string]T), create: create}
}

// Find returns the actor with id, creating it on first use. It satisfies
// registry.Finder.
func (r *Repo[T]) Find(_ context.Context, id string) (registry.Actor, error) {
	return r.Get(id), nil
}

// Get returns the actor with id, creating it on first use.
func (r *Repo[T]) Get(id string) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		a = r.create(id)
		r.items[id] = a
	}
	return a
}

// IDs returns the ids of all actors created so far, sorted.
func (r *Repo[T]) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sleeper naps on request and wakes up when its nap is completed.
type Sleeper struct {
	id string

	mu      sync.Mutex
	content string
}

func NewSleeper(id string) *Sleeper { return &Sleeper{id: id} }

func (s *Sleeper) ActorType() string { return SleeperType }
func (s *Sleeper) ActorID() string   { return s.id }

// Content is "sleeping" during a nap and "awake" after it.
func (s *Sleeper) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

func (s *Sleeper) setContent(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = c
}

// Car keeps a mileage, a horn counter and a location.
type Car struct {
	id string

	mu       sync.Mutex
	mileage  int64
	honks    int
	location string
}

func NewCar(id string) *Car { return &Car{id: id} }

func (c *Car) ActorType() string { return CarType }
func (c *Car) ActorID() string   { return c.id }

// CarState is a snapshot of a car.
type CarState struct {
	Mileage  int64
	Honks    int
	Location string
}

func (c *Car) State() CarState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CarState{Mileage: c.mileage, Honks: c.honks, Location: c.location}
}

// Perform runs the car's plain methods; drive, honk and change_location
// use the default single-step definition.
func (c *Car) Perform(_ context.Context, name string, args ir.Args) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "drive":
		miles, err := args.Int(0)
		if err != nil {
			return err
		}
		c.mileage += miles
	case "honk":
		c.honks++
	case "change_location":
		loc, err := args.String(0)
		if err != nil {
			return err
		}
		c.location = loc
	default:
		return fmt.Errorf("car has no method %q", name)
	}
	return nil
}

// Actors holds the repositories of the sample types.
type Actors struct {
	Sleepers *Repo[*Sleeper]
	Cars     *Repo[*Car]
}

// NewActors creates empty repositories.
func NewActors() *Actors {
	return &Actors{
		Sleepers: NewRepo(NewSleeper),
		Cars:     NewRepo(NewCar),
	}
}

// Register declares the sample actor types and their actions on r.
// Sleeper naps are deduplicated per second of now; c queues their
// completion.
func Register(r *registry.Registry, actors *Actors, c Completer, now func() time.Time) error {
	if err := r.RegisterType(SleeperType, "", actors.Sleepers.Find); err != nil {
		return err
	}
	if err := r.RegisterType(CarType, "", actors.Cars.Find); err != nil {
		return err
	}

	// live(others...) naps, then has everyone named in the arguments nap
	// three times over.
	live := func(d *registry.Definition) {
		d.Step(func(_ context.Context, _ registry.Actor, step registry.Step, _ ir.Args) error {
			step.Do("sleep")
			return nil
		})
		for range 3 {
			d.Step(func(_ context.Context, _ registry.Actor, step registry.Step, args ir.Args) error {
				others, err := refs(args)
				if err != nil {
					return err
				}
				step.OnEach(others, "sleep")
				return nil
			})
		}
	}
	if _, err := r.Define(SleeperType, "live", live); err != nil {
		return err
	}

	sleep := func(d *registry.Definition) {
		d.Outbound()
		d.Checksum(func(context.Context, registry.Actor, ir.Args) (any, error) {
			return now().Unix(), nil
		})
		d.Step(func(ctx context.Context, actor registry.Actor, _ registry.Step, _ ir.Args) error {
			s, ok := actor.(*Sleeper)
			if !ok {
				return fmt.Errorf("sleep: unexpected actor %T", actor)
			}
			s.setContent("sleeping")
			_, err := c.EnqueueCompletion(ctx, registry.Ref(s), "sleep", ir.ActionSucceeded)
			return err
		})
		d.Succeeded(func(_ context.Context, actor registry.Actor, _ *ir.Action) error {
			if s, ok := actor.(*Sleeper); ok {
				s.setContent("awake")
			}
			return nil
		})
	}
	if _, err := r.Define(SleeperType, "sleep", sleep); err != nil {
		return err
	}

	if _, err := r.Define(CarType, "drive", func(d *registry.Definition) {
		d.Outbound()
	}); err != nil {
		return err
	}

	// visit(location) moves the car, then honks on arrival.
	visit := func(d *registry.Definition) {
		d.Step(func(_ context.Context, _ registry.Actor, step registry.Step, args ir.Args) error {
			loc, err := args.String(0)
			if err != nil {
				return err
			}
			step.Do("change_location", loc)
			return nil
		})
		d.Step(func(_ context.Context, _ registry.Actor, step registry.Step, _ ir.Args) error {
			step.Do("honk")
			return nil
		})
	}
	if _, err := r.Define(CarType, "visit", visit); err != nil {
		return err
	}
	return nil
}

func refs(args ir.Args) ([]registry.Actor, error) {
	out := make([]registry.Actor, 0, args.Len())
	for i := range args.Len() {
		ref, err := args.Ref(i)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}
