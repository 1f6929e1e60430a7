package cli

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stepped/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	Filter   string // scenario name glob
	Snapshot bool   // print the rendered trace of every scenario
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name     string   `json:"name"`
	Pass     bool     `json:"pass"`
	Errors   []string `json:"errors,omitempty"`
	Snapshot string   `json:"snapshot,omitempty"`
}

// TestReport summarizes a test run.
type TestReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run YAML scenarios against the sample actors",
		Long: `Run every scenario file under a directory on a fresh in-memory store
with a manual clock, then check its assertions.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing directory, bad filter)

Examples:
  stepped test ./internal/harness/testdata/scenarios
  stepped test ./scenarios --filter "car_*" --snapshot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")
	cmd.Flags().BoolVar(&opts.Snapshot, "snapshot", false, "print each scenario's trace snapshot")

	return cmd
}

func runTests(cmd *cobra.Command, rootOpts *RootOptions, opts *TestOptions, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return WrapExitError(ExitCommandError, "scenarios directory not found", err)
	}
	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	report := TestReport{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, path := range files {
		res := runScenarioFile(cmd, path, opts.Snapshot)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Scenarios = append(report.Scenarios, res)
	}

	err = rootOpts.formatter(cmd).Print(report, func(w io.Writer) error {
		return writeTestReport(w, report)
	})
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, len(files)))
	}
	return nil
}

func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func runScenarioFile(cmd *cobra.Command, path string, snapshot bool) ScenarioResult {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioResult{Name: filepath.Base(path), Errors: []string{err.Error()}}
	}

	result, err := harness.Run(cmd.Context(), scenario)
	if err != nil {
		return ScenarioResult{Name: scenario.Name, Errors: []string{"execution failed: " + err.Error()}}
	}

	res := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	if snapshot {
		res.Snapshot = harness.Render(scenario.Name, result)
	}
	return res
}

func writeTestReport(w io.Writer, report TestReport) error {
	if len(report.Scenarios) == 0 {
		_, err := fmt.Fprintln(w, "No scenarios found.")
		return err
	}
	for _, s := range report.Scenarios {
		mark := "PASS"
		if !s.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s %s\n", mark, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		if s.Snapshot != "" {
			fmt.Fprintf(w, "\n%s\n", s.Snapshot)
		}
	}
	_, err := fmt.Fprintf(w, "\n%d passed, %d failed\n", report.Passed, report.Failed)
	return err
}
