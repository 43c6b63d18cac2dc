// Package testresults normalizes per-language raw test output (a
// test-results.json produced by JUnit's console launcher, a doctest JSON
// reporter, or a custom Python runner) into one uniform AssignmentResult,
// so that nothing above the Language Runners needs to know which language
// produced a given run.
package testresults

import (
	"encoding/json"
	"fmt"
)

// Status is a single test's outcome.
type Status string

const (
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
	StatusAborted    Status = "ABORTED"
)

// Synthetic test names used for compile-phase failures, attributed before
// any test framework ever ran.
const (
	TestMainCompilation = "MAIN_COMPILATION"
	TestTestCompilation = "TEST_COMPILATION"
	TestCompilation     = "Compilation"
)

// TestOutcome is the uniform record produced by every language back-end.
type TestOutcome struct {
	Test      string `json:"test"`
	Status    Status `json:"status"`
	Exception string `json:"exception,omitempty"`
}

// AssignmentResult is the normalized result of an assignment-mode run.
type AssignmentResult struct {
	Output      string        `json:"output"`
	TestResults []TestOutcome `json:"testResults"`
	TestsPassed bool          `json:"testsPassed"`
	Score       int           `json:"score"`
}

// CompileFailure describes a non-empty compiler diagnostics file captured
// before any test framework ran.
type CompileFailure struct {
	Stage       string // TestMainCompilation or TestTestCompilation
	Diagnostics string
}

// Normalize builds an AssignmentResult from raw rawJSON (a JSON array of
// {test,status,exception?} objects, as written by the JUnit listener jar,
// the doctest JsonReporter, or json_test_runner.py) and the combined
// program output. If compileFailure is non-nil its diagnostics bypass
// rawJSON entirely per the synthetic-compilation-failure rule.
func Normalize(rawJSON []byte, programOutput string, compileFailure *CompileFailure) (AssignmentResult, error) {
	if compileFailure != nil {
		testName := compileFailure.Stage
		if testName == "" {
			testName = TestMainCompilation
		}
		return AssignmentResult{
			Output: compileFailure.Diagnostics,
			TestResults: []TestOutcome{
				{Test: testName, Status: StatusFailed, Exception: compileFailure.Diagnostics},
			},
			TestsPassed: false,
			Score:       0,
		}, nil
	}

	var outcomes []TestOutcome
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &outcomes); err != nil {
			return AssignmentResult{}, fmt.Errorf("decode test results: %w", err)
		}
	}

	total := len(outcomes)
	passed := 0
	for _, o := range outcomes {
		if o.Status == StatusSuccessful {
			passed++
		}
	}

	score := 0
	if total > 0 {
		score = 100 * passed / total
	}

	return AssignmentResult{
		Output:      programOutput,
		TestResults: outcomes,
		TestsPassed: total > 0 && passed == total,
		Score:       score,
	}, nil
}

// SingleFailure builds a one-outcome AssignmentResult for a whole-stage
// failure that isn't a compile diagnostic (e.g. the Python runner's test
// harness crashing before it writes test-results.json).
func SingleFailure(testName, exception, output string) AssignmentResult {
	return AssignmentResult{
		Output: output,
		TestResults: []TestOutcome{
			{Test: testName, Status: StatusFailed, Exception: exception},
		},
		TestsPassed: false,
		Score:       0,
	}
}
