// Package registry holds the action definitions an application declares on
// its actor types.
//
// A Registry is built once at start-up and treated as read-only by the
// engine afterwards:
//
//	reg := registry.New()
//	reg.RegisterType("Vehicle", "", findVehicle)
//	reg.RegisterType("Car", "Vehicle", findCar)
//
//	reg.Define("Car", "visit", func(d *registry.Definition) {
//	    d.Step(func(ctx context.Context, car registry.Actor, s registry.Step, args ir.Args) error {
//	        s.Do("drive", "north")
//	        return nil
//	    })
//	    d.Succeeded(notifyOwner)
//	})
//
// Lookup walks the actor type's parent chain and returns the nearest
// definition. PrependStep and After on a subtype first duplicate the
// inherited definition, so the ancestor's copy is never mutated.
package registry
