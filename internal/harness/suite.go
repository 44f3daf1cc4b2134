package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
	Scenarios      []ScenarioStatus  `json:"scenarios"`
}

// ScenarioStatus is the verdict for one scenario file, in run order.
type ScenarioStatus struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Pass         bool   `json:"pass"`
}

// Check inspects a completed scenario and returns extra failure messages.
// Checks run whether or not the assertions passed.
type Check func(path string, scenario *Scenario, result *Result) []string

// ScenarioFailure represents one failed scenario.
type ScenarioFailure struct {
	Scenario     string   `json:"scenario,omitempty"`
	ScenarioPath string   `json:"scenario_path"`
	Errors       []string `json:"errors"`
}

// FindScenarios returns the YAML files directly under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RunSuite loads and runs every scenario in paths, in order. A scenario
// that fails to load or execute counts as failed; the rest still run.
func RunSuite(ctx context.Context, paths []string, checks ...Check) *SuiteResult {
	result := &SuiteResult{Scenarios: []ScenarioStatus{}}

	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(ScenarioFailure{
				ScenarioPath: path,
				Errors:       []string{fmt.Sprintf("failed to load scenario: %v", err)},
			})
			continue
		}

		runResult, err := RunContext(ctx, scenario)
		if err != nil {
			result.fail(ScenarioFailure{
				Scenario:     scenario.Name,
				ScenarioPath: path,
				Errors:       []string{fmt.Sprintf("scenario execution failed: %v", err)},
			})
			continue
		}

		errs := runResult.Errors
		for _, check := range checks {
			errs = append(errs, check(path, scenario, runResult)...)
		}
		if len(errs) > 0 {
			result.fail(ScenarioFailure{
				Scenario:     scenario.Name,
				ScenarioPath: path,
				Errors:       errs,
			})
			continue
		}

		result.Passed++
		result.Scenarios = append(result.Scenarios, ScenarioStatus{Scenario: scenario.Name, ScenarioPath: path, Pass: true})
	}

	return result
}

func (r *SuiteResult) fail(f ScenarioFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
	r.Scenarios = append(r.Scenarios, ScenarioStatus{Scenario: f.Scenario, ScenarioPath: f.ScenarioPath})
}
