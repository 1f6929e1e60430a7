package harness

import (
	"fmt"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion does not hold.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s %s: expected %s, got %s", e.Type, e.Subject, e.Expected, e.Actual)
}

func evaluate(a Assertion, state *State) error {
	switch {
	case a.Action != 0:
		return assertAction(a, state)
	case a.Counts != nil:
		return assertCounts(a.Counts, state)
	case a.Car != "":
		return assertCar(a, state)
	case a.Sleeper != "":
		return assertSleeper(a, state)
	}
	return fmt.Errorf("empty assertion")
}

func assertAction(a Assertion, state *State) error {
	subject := fmt.Sprintf("%d", a.Action)
	action := state.action(a.Action)
	if action == nil {
		return &AssertionError{Type: "action", Subject: subject, Expected: "a stored action", Actual: "none"}
	}
	if a.Status != "" && string(action.Status) != a.Status {
		return &AssertionError{Type: "action", Subject: subject, Expected: "status " + a.Status, Actual: string(action.Status)}
	}
	if a.Step != nil && action.CurrentStepIndex != *a.Step {
		return &AssertionError{
			Type:     "action",
			Subject:  subject,
			Expected: fmt.Sprintf("step %d", *a.Step),
			Actual:   fmt.Sprintf("step %d", action.CurrentStepIndex),
		}
	}
	return nil
}

func assertCounts(want map[string]int, state *State) error {
	got := map[string]int{
		"actions":      len(state.Actions),
		"steps":        state.Steps,
		"performances": len(state.Performances),
		"achievements": state.Achievements,
		"jobs":         state.Jobs,
	}

	tables := make([]string, 0, len(want))
	for table := range want {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var mismatches []string
	for _, table := range tables {
		if got[table] != want[table] {
			mismatches = append(mismatches, fmt.Sprintf("%s=%d (want %d)", table, got[table], want[table]))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{Type: "counts", Subject: "rows", Expected: fmt.Sprint(want), Actual: strings.Join(mismatches, ", ")}
	}
	return nil
}

func assertCar(a Assertion, state *State) error {
	car, ok := state.Cars[a.Car]
	if !ok {
		return &AssertionError{Type: "car", Subject: a.Car, Expected: "a loaded car", Actual: "none"}
	}
	if a.Mileage != nil && car.Mileage != *a.Mileage {
		return &AssertionError{Type: "car", Subject: a.Car, Expected: fmt.Sprintf("mileage %d", *a.Mileage), Actual: fmt.Sprintf("%d", car.Mileage)}
	}
	if a.Honks != nil && car.Honks != *a.Honks {
		return &AssertionError{Type: "car", Subject: a.Car, Expected: fmt.Sprintf("%d honks", *a.Honks), Actual: fmt.Sprintf("%d", car.Honks)}
	}
	if a.Location != nil && car.Location != *a.Location {
		return &AssertionError{Type: "car", Subject: a.Car, Expected: fmt.Sprintf("location %q", *a.Location), Actual: fmt.Sprintf("%q", car.Location)}
	}
	return nil
}

func assertSleeper(a Assertion, state *State) error {
	content, ok := state.Sleepers[a.Sleeper]
	if !ok {
		return &AssertionError{Type: "sleeper", Subject: a.Sleeper, Expected: "a loaded sleeper", Actual: "none"}
	}
	if content != *a.Content {
		return &AssertionError{Type: "sleeper", Subject: a.Sleeper, Expected: fmt.Sprintf("content %q", *a.Content), Actual: fmt.Sprintf("%q", content)}
	}
	return nil
}
