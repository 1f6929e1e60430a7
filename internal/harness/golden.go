package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render formats a result as the text snapshot stored in golden files.
// Job ids are left out so snapshots do not depend on earlier jobs.
func Render(name string, r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n\ntrace:\n", name)
	for _, ev := range r.Trace {
		line := ev.Kind
		if ev.Target != "" {
			line += " " + ev.Target
		}
		if len(ev.Args) > 0 {
			line += " " + renderArgs(ev.Args)
		}
		fmt.Fprintf(&b, "  %d %s => %s\n", ev.Seq, line, ev.Outcome)
	}

	b.WriteString("\nactions:\n")
	if len(r.State.Actions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, a := range r.State.Actions {
		fmt.Fprintf(&b, "  %d %s %s step=%d\n", a.ID, a, a.Status, a.CurrentStepIndex)
	}

	b.WriteString("performances:\n")
	if len(r.State.Performances) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, p := range r.State.Performances {
		fmt.Fprintf(&b, "  %s -> action %d\n", p.ConcurrencyKey, p.ActionID)
	}

	fmt.Fprintf(&b, "jobs: %d\n", r.State.Jobs)
	fmt.Fprintf(&b, "achievements: %d\n", r.State.Achievements)

	b.WriteString("cars:\n")
	if len(r.State.Cars) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, id := range sortedKeys(r.State.Cars) {
		c := r.State.Cars[id]
		fmt.Fprintf(&b, "  car/%s mileage=%d honks=%d location=%q\n", id, c.Mileage, c.Honks, c.Location)
	}

	b.WriteString("sleepers:\n")
	if len(r.State.Sleepers) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, id := range sortedKeys(r.State.Sleepers) {
		fmt.Fprintf(&b, "  sleeper/%s content=%q\n", id, r.State.Sleepers[id])
	}
	return b.String()
}

func renderArgs(args []any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunWithGolden runs a scenario and compares its rendered snapshot with
// testdata/golden/<scenario.Name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an already computed result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(Render(name, result)))
}
