package runners

import (
	"context"
	"fmt"
	"strings"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/testresults"
)

// CppRunner compiles and executes C++ code, projects, and doctest-graded
// assignments via g++.
type CppRunner struct {
	Orchestrator *Orchestrator
}

func NewCppRunner(o *Orchestrator) *CppRunner { return &CppRunner{Orchestrator: o} }

func (r *CppRunner) Language() string { return "cpp" }

func (r *CppRunner) RunCode(ctx context.Context, req CodeRequest) (ExecutionResult, error) {
	files := map[string]string{"main.cpp": req.Code}

	script := "g++ -o main main.cpp && ./main"
	if req.InputText != "" {
		script += " < input.txt"
	}

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:   "cpp",
		Files:      files,
		LayoutOpts: ioworkspace.LayoutOptions{Language: "cpp"},
		Cmd:        shCmd(script),
		InputText:  req.InputText,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: outcome.Output}, nil
}

func (r *CppRunner) RunProject(ctx context.Context, req ProjectRequest) (ExecutionResult, error) {
	mainFile := req.MainFile
	if mainFile == "" {
		mainFile = "main.cpp"
	}

	sources := []string{mainFile}
	for name := range req.Files {
		if name != mainFile && strings.HasSuffix(name, ".cpp") {
			sources = append(sources, name)
		}
	}

	script := fmt.Sprintf("g++ -o main %s && ./main", strings.Join(sources, " "))
	if req.InputText != "" {
		script += " < input.txt"
	}

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:      "cpp",
		Files:         req.Files,
		LayoutOpts:    ioworkspace.LayoutOptions{Base64: req.Base64, Language: "cpp"},
		Cmd:           shCmd(script),
		InputText:     req.InputText,
		CollectOutput: true,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: outcome.Output, Files: outcome.Artifacts}, nil
}

// RunAssignment compiles the program sources, runs them, compiles test.cpp
// linked against the program's object units, then runs the doctest binary
// with the bundled JsonReporter to produce test-results.json.
func (r *CppRunner) RunAssignment(ctx context.Context, req AssignmentRequest) (testresults.AssignmentResult, error) {
	mainFile := req.MainFile
	if mainFile == "" {
		mainFile = "main.cpp"
	}

	var programSources []string
	for name := range req.Files {
		if name != "test.cpp" && strings.HasSuffix(name, ".cpp") {
			programSources = append(programSources, name)
		}
	}
	if len(programSources) == 0 {
		programSources = []string{mainFile}
	}

	runProgram := "./program > program_output.txt 2>&1"
	if req.InputText != "" {
		runProgram = "./program < input.txt > program_output.txt 2>&1"
	}

	script := fmt.Sprintf(`
set -o pipefail
g++ -I/doctest -o program %s > compile_errors.txt 2>&1
if [ -s compile_errors.txt ]; then
  exit 1
fi
%s
g++ -I/doctest -DDOCTEST_CONFIG_IMPLEMENT_WITH_MAIN -o test_runner test.cpp %s > test_compile_errors.txt 2>&1
if [ -s test_compile_errors.txt ]; then
  exit 2
fi
./test_runner -r json > test-results.json
`, strings.Join(programSources, " "), runProgram, strings.Join(filterMain(programSources, mainFile), " "))

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:   "cpp-doctest",
		Files:      req.Files,
		LayoutOpts: ioworkspace.LayoutOptions{Base64: req.Base64, Language: "cpp"},
		Cmd:        shCmd(script),
		InputText:  req.InputText,
		SideFiles:  []string{"compile_errors.txt", "test_compile_errors.txt", "program_output.txt", "test-results.json"},
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
	if testErrors := outcome.SideFiles["test_compile_errors.txt"]; len(testErrors) > 0 {
		return testresults.Normalize(nil, "", &testresults.CompileFailure{
			Stage:       testresults.TestTestCompilation,
			Diagnostics: string(testErrors),
		})
	}

	return testresults.Normalize(outcome.SideFiles["test-results.json"], string(outcome.SideFiles["program_output.txt"]), nil)
}

// filterMain excludes mainFile from sources so the test binary links the
// program's non-entrypoint translation units without a duplicate main.
func filterMain(sources []string, mainFile string) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s != mainFile {
			out = append(out, s)
		}
	}
	return out
}
