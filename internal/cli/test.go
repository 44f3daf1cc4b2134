package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/harness"
	"github.com/roach88/entityflow/internal/ir"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter    string
	GoldenDir string
	Update    bool
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run YAML conformance scenarios against an in-memory server.

Each scenario names its entity config, seeds the server, runs steps
(dispatch, network changes, pushes, reconnects, cancels, conflict
resolution) and checks assertions on the final state. With --golden-dir
the trace and final state are also compared with {name}.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  entityflow test ./scenarios
  entityflow test ./scenarios --filter "offline_*"
  entityflow test ./scenarios --golden-dir ./golden --update
  entityflow test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "compare against golden files in this directory")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden-dir)")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden-dir")
	}
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	paths, err := harness.FindScenarios(scenariosDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	paths, err = filterScenarios(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter pattern", err)
	}

	var checks []harness.Check
	if opts.GoldenDir != "" {
		checks = append(checks, goldenCheck(opts.GoldenDir, opts.Update))
	}
	result := harness.RunSuite(commandContext(cmd), paths, checks...)

	if formatter.Format == "json" {
		var cliErr *CLIError
		if result.Failed > 0 {
			cliErr = &CLIError{Code: "E_TEST_FAILED", Message: fmt.Sprintf("%d scenario(s) failed", result.Failed)}
		}
		if err := formatter.Report(result, cliErr); err != nil {
			return err
		}
	} else {
		writeTestText(formatter, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func filterScenarios(paths []string, pattern string) ([]string, error) {
	if pattern == "" {
		return paths, nil
	}
	var out []string
	for _, p := range paths {
		matched, err := filepath.Match(pattern, filepath.Base(p))
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, p)
		}
	}
	return out, nil
}

// goldenCheck compares each result with dir/{scenario}.golden, or rewrites
// the file when update is set.
func goldenCheck(dir string, update bool) harness.Check {
	return func(_ string, scenario *harness.Scenario, result *harness.Result) []string {
		data, err := ir.MarshalCanonical(result.Document(scenario.Name))
		if err != nil {
			return []string{fmt.Sprintf("failed to render golden document: %v", err)}
		}
		path := filepath.Join(dir, scenario.Name+".golden")

		if update {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return []string{fmt.Sprintf("failed to create golden directory: %v", err)}
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return []string{fmt.Sprintf("failed to write golden file: %v", err)}
			}
			return nil
		}

		want, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return []string{fmt.Sprintf("golden file %s missing (run with --update to create it)", path)}
		}
		if err != nil {
			return []string{fmt.Sprintf("failed to read golden file: %v", err)}
		}
		if !bytes.Equal(want, data) {
			return []string{"trace does not match golden file (run with --update to regenerate)"}
		}
		return nil
	}
}

func writeTestText(formatter *OutputFormatter, result *harness.SuiteResult) {
	w := formatter.Writer
	if result.TotalScenarios == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}

	failures := make(map[string][]string, len(result.Failures))
	for _, f := range result.Failures {
		failures[f.ScenarioPath] = f.Errors
	}
	for _, s := range result.Scenarios {
		name := s.Scenario
		if name == "" {
			name = filepath.Base(s.ScenarioPath)
		}
		if s.Pass {
			fmt.Fprintf(w, "✓ %s\n", name)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range failures[s.ScenarioPath] {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.TotalScenarios)
	if result.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}
