package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stepped/internal/ir"
)

// Scenario is a scripted sequence of requests against the sample actors
// plus the assertions that must hold afterwards.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Step is one scenario instruction. Exactly one of Perform, Request,
// Complete, Drain or Advance is set.
type Step struct {
	// Perform, Request and Complete take "type/id action".
	Perform  string `yaml:"perform,omitempty"`
	Request  string `yaml:"request,omitempty"`
	Complete string `yaml:"complete,omitempty"`

	Args   []any  `yaml:"args,omitempty"`
	Status string `yaml:"status,omitempty"`

	Drain   bool   `yaml:"drain,omitempty"`
	Advance string `yaml:"advance,omitempty"`
}

// Step kinds.
const (
	StepPerform  = "perform"
	StepRequest  = "request"
	StepComplete = "complete"
	StepDrain    = "drain"
	StepAdvance  = "advance"
)

// Kind names the instruction the step carries.
func (s Step) Kind() string {
	switch {
	case s.Perform != "":
		return StepPerform
	case s.Request != "":
		return StepRequest
	case s.Complete != "":
		return StepComplete
	case s.Drain:
		return StepDrain
	case s.Advance != "":
		return StepAdvance
	}
	return ""
}

func (s Step) target() string {
	switch s.Kind() {
	case StepPerform:
		return s.Perform
	case StepRequest:
		return s.Request
	case StepComplete:
		return s.Complete
	case StepAdvance:
		return s.Advance
	}
	return ""
}

// Target parses "type/id action".
func (s Step) Target() (ir.ActorRef, string, error) {
	ref, name, ok := strings.Cut(strings.TrimSpace(s.target()), " ")
	if !ok {
		return ir.ActorRef{}, "", fmt.Errorf("%s %q: want \"type/id action\"", s.Kind(), s.target())
	}
	actor, err := ir.ParseActorRef(ref)
	if err != nil {
		return ir.ActorRef{}, "", err
	}
	return actor, strings.TrimSpace(name), nil
}

// Assertion checks the final state. Exactly one of Action, Counts, Car or
// Sleeper is set.
type Assertion struct {
	// Action is an action id; Status and Step are checked when given.
	Action int64  `yaml:"action,omitempty"`
	Status string `yaml:"status,omitempty"`
	Step   *int   `yaml:"step,omitempty"`

	// Counts maps actions, steps, performances, achievements or jobs to
	// the expected row count.
	Counts map[string]int `yaml:"counts,omitempty"`

	Car      string  `yaml:"car,omitempty"`
	Mileage  *int64  `yaml:"mileage,omitempty"`
	Honks    *int    `yaml:"honks,omitempty"`
	Location *string `yaml:"location,omitempty"`

	Sleeper string  `yaml:"sleeper,omitempty"`
	Content *string `yaml:"content,omitempty"`
}

// Tables Counts accepts.
var countTables = []string{"actions", "steps", "performances", "achievements", "jobs"}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	set := 0
	for _, on := range []bool{s.Perform != "", s.Request != "", s.Complete != "", s.Drain, s.Advance != ""} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of perform, request, complete, drain, advance is required")
	}

	switch s.Kind() {
	case StepPerform, StepRequest:
		if s.Status != "" {
			return fmt.Errorf("status is only valid with complete")
		}
		_, _, err := s.Target()
		return err
	case StepComplete:
		if len(s.Args) > 0 {
			return fmt.Errorf("args are not valid with complete")
		}
		if s.Status != "" {
			status, err := ir.ParseActionStatus(s.Status)
			if err != nil {
				return err
			}
			if !status.Completed() {
				return fmt.Errorf("status %q is not terminal", status)
			}
		}
		_, _, err := s.Target()
		return err
	case StepAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("advance: clock cannot move backwards")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	set := 0
	for _, on := range []bool{a.Action != 0, a.Counts != nil, a.Car != "", a.Sleeper != ""} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of action, counts, car, sleeper is required")
	}

	switch {
	case a.Action != 0:
		if a.Status == "" && a.Step == nil {
			return fmt.Errorf("action %d: status or step is required", a.Action)
		}
		if a.Status != "" {
			if _, err := ir.ParseActionStatus(a.Status); err != nil {
				return err
			}
		}
	case a.Counts != nil:
		for table := range a.Counts {
			if !contains(countTables, table) {
				return fmt.Errorf("counts: unknown table %q (want one of %v)", table, countTables)
			}
		}
	case a.Car != "":
		if a.Mileage == nil && a.Honks == nil && a.Location == nil {
			return fmt.Errorf("car %s: mileage, honks or location is required", a.Car)
		}
	case a.Sleeper != "":
		if a.Content == nil {
			return fmt.Errorf("sleeper %s: content is required", a.Sleeper)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
