package runners

import (
	"context"
	"fmt"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/testresults"
)

// PythonRunner executes Python 3 code, projects, and graded assignments.
// Commands are built as in-container shell pipelines so stdin redirection
// and multi-stage compile/test gates can be expressed without escaping an
// entire program into a single -c argument.
type PythonRunner struct {
	Orchestrator *Orchestrator
}

func NewPythonRunner(o *Orchestrator) *PythonRunner { return &PythonRunner{Orchestrator: o} }

func (r *PythonRunner) Language() string { return "python" }

func (r *PythonRunner) RunCode(ctx context.Context, req CodeRequest) (ExecutionResult, error) {
	files := map[string]string{"main.py": req.Code}
	script := "python3 -u main.py"
	if req.InputText != "" {
		script += " < input.txt"
	}

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:   "python",
		Files:      files,
		LayoutOpts: ioworkspace.LayoutOptions{Language: "python"},
		Cmd:        shCmd(script),
		InputText:  req.InputText,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: outcome.Output}, nil
}

func (r *PythonRunner) RunProject(ctx context.Context, req ProjectRequest) (ExecutionResult, error) {
	mainFile := req.MainFile
	if mainFile == "" {
		mainFile = "main.py"
	}

	script := fmt.Sprintf("python3 -u %s", shQuote(mainFile))
	if req.MethodName != "" {
		script = fmt.Sprintf(
			`python3 -u -c "import runpy,sys; m=runpy.run_path(%s); m[%s](%s)"`,
			shQuote(mainFile), pyQuote(req.MethodName), pyQuote(req.MethodArg),
		)
	}
	if req.InputText != "" {
		script += " < input.txt"
	}

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:      "python",
		Files:         req.Files,
		LayoutOpts:    ioworkspace.LayoutOptions{Base64: req.Base64, Language: "python"},
		Cmd:           shCmd(script),
		InputText:     req.InputText,
		CollectOutput: true,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: outcome.Output, Files: outcome.Artifacts}, nil
}

// RunAssignment runs a pyflakes static gate, then the program (optionally
// invoking a named callable), then the image's bundled json_test_runner.py
// which discovers test_*.py files and writes test-results.json.
func (r *PythonRunner) RunAssignment(ctx context.Context, req AssignmentRequest) (testresults.AssignmentResult, error) {
	mainFile := req.MainFile
	if mainFile == "" {
		mainFile = "main.py"
	}

	invoke := fmt.Sprintf("python3 %s", shQuote(mainFile))
	if req.MethodName != "" {
		invoke = fmt.Sprintf(
			`python3 -c "import runpy,sys; m=runpy.run_path(%s); m[%s](%s)"`,
			shQuote(mainFile), pyQuote(req.MethodName), pyQuote(req.MethodArg),
		)
	}
	if req.InputText != "" {
		invoke += " < input.txt"
	}

	script := fmt.Sprintf(`
set -o pipefail
pyflakes . > compile_errors.txt 2>&1
if [ -s compile_errors.txt ]; then
  exit 1
fi
%s > program_output.txt 2>&1
python3 /custom-test-runner/json_test_runner.py > test-results.json 2> test_runner_errors.txt
`, invoke)

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:   "python-unittest",
		Files:      req.Files,
		LayoutOpts: ioworkspace.LayoutOptions{Base64: req.Base64, Language: "python"},
		Cmd:        shCmd(script),
		InputText:  req.InputText,
		SideFiles:  []string{"compile_errors.txt", "program_output.txt", "test-results.json", "test_runner_errors.txt"},
	})
	if err != nil {
		return testresults.AssignmentResult{}, err
	}

	if compileErrors := outcome.SideFiles["compile_errors.txt"]; len(compileErrors) > 0 {
		return testresults.Normalize(nil, "", &testresults.CompileFailure{
			Stage:       testresults.TestMainCompilation,
			Diagnostics: string(compileErrors),
		})
	}

	// A crashed test harness leaves no results file, only its own stderr;
	// grade that as one failed synthetic outcome rather than a bare error.
	rawResults := outcome.SideFiles["test-results.json"]
	if len(rawResults) == 0 {
		if runnerErrors := outcome.SideFiles["test_runner_errors.txt"]; len(runnerErrors) > 0 {
			return testresults.SingleFailure(testresults.TestCompilation, string(runnerErrors), string(outcome.SideFiles["program_output.txt"])), nil
		}
	}

	return testresults.Normalize(rawResults, string(outcome.SideFiles["program_output.txt"]), nil)
}
