// Package harness runs YAML scenarios against the sample actors and
// snapshots the outcome as a text trace.
//
// # Scenario Format
//
//	name: car_drive_queue
//	description: "Second drive waits for the first to be completed"
//	steps:
//	  - perform: car/1 drive      # Perform now
//	    args: [100]
//	  - request: car/1 visit      # queue an action job
//	    args: [Lisbon]
//	  - complete: car/1 drive     # queue an outbound completion
//	    status: failed            # default succeeded
//	  - drain: true               # run every due job
//	  - advance: 2s               # move the manual clock
//	assertions:
//	  - action: 1
//	    status: succeeded
//	    step: 0
//	  - counts: { performances: 0, jobs: 0 }
//	  - car: "1"
//	    mileage: 300
//	  - sleeper: "2"
//	    content: awake
//
// Each scenario runs on a fresh in-memory SQLite store with a manual clock
// frozen at testutil.DefaultStart, so action ids and the trace are
// reproducible.
//
// # Golden Files
//
// RunWithGolden compares the rendered trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
