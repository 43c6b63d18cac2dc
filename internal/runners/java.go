package runners

import (
	"context"
	"fmt"
	"regexp"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/testresults"
)

// JavaRunner compiles and executes Java code, projects, and JUnit-graded
// assignments.
type JavaRunner struct {
	Orchestrator *Orchestrator
}

func NewJavaRunner(o *Orchestrator) *JavaRunner { return &JavaRunner{Orchestrator: o} }

func (r *JavaRunner) Language() string { return "java" }

var javaPublicClassPattern = regexp.MustCompile(`public\s+class\s+([A-Za-z_][A-Za-z0-9_]*)`)

func extractJavaClassName(code string) string {
	if m := javaPublicClassPattern.FindStringSubmatch(code); len(m) == 2 {
		return m[1]
	}
	return "Main"
}

func (r *JavaRunner) RunCode(ctx context.Context, req CodeRequest) (ExecutionResult, error) {
	className := extractJavaClassName(req.Code)
	files := map[string]string{className + ".java": req.Code}

	script := fmt.Sprintf("javac %s.java && java %s", className, className)
	if req.InputText != "" {
		script += " < input.txt"
	}

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:   "java",
		Files:      files,
		LayoutOpts: ioworkspace.LayoutOptions{Language: "java"},
		Cmd:        shCmd(script),
		InputText:  req.InputText,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: outcome.Output}, nil
}

func (r *JavaRunner) RunProject(ctx context.Context, req ProjectRequest) (ExecutionResult, error) {
	if req.MainFile == "" {
		return ExecutionResult{}, ErrBadRequest{Reason: "java project requires mainFile (fully-qualified main class)"}
	}

	script := fmt.Sprintf(`find . -name "*.java" -exec javac {} + && java -cp . %s`, req.MainFile)
	if req.InputText != "" {
		script += " < input.txt"
	}

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:      "java",
		Files:         req.Files,
		LayoutOpts:    ioworkspace.LayoutOptions{IsJava: true, Base64: req.Base64, Language: "java"},
		Cmd:           shCmd(script),
		InputText:     req.InputText,
		CollectOutput: true,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: outcome.Output, Files: outcome.Artifacts}, nil
}

// RunAssignment compiles main sources, then test sources, runs the main
// class, then runs JUnit's console launcher against a classpath carrying
// the bundled JUnit jars and a service-loader-registered listener that
// writes test-results.json. Each stage is a distinct shell statement so a
// non-zero exit from main compilation never reaches the test-compile step.
func (r *JavaRunner) RunAssignment(ctx context.Context, req AssignmentRequest) (testresults.AssignmentResult, error) {
	if req.MainClassName == "" {
		return testresults.AssignmentResult{}, ErrBadRequest{Reason: "java assignment requires mainClassName"}
	}

	runMain := fmt.Sprintf("java -cp . %s > program_output.txt 2>&1", req.MainClassName)
	if req.InputText != "" {
		runMain = fmt.Sprintf("java -cp . %s < input.txt > program_output.txt 2>&1", req.MainClassName)
	}

	// Each stage echoes its elapsed milliseconds so the runner can observe
	// where a slow assignment spent its wall clock.
	script := fmt.Sprintf(`
set -o pipefail
t0=$(date +%%s%%3N)
find . -path ./test -prune -o -name "*.java" -exec javac {} + > main_compile_errors.txt 2>&1
if [ -s main_compile_errors.txt ]; then
  exit 1
fi
echo "main compilation took $(($(date +%%s%%3N) - t0)) ms"
t1=$(date +%%s%%3N)
find test -name "*.java" -exec javac -cp '.:/junit/*' -d . {} + > test_compile_errors.txt 2>&1
if [ -s test_compile_errors.txt ]; then
  exit 2
fi
echo "test compilation took $(($(date +%%s%%3N) - t1)) ms"
t2=$(date +%%s%%3N)
%s
echo "program run took $(($(date +%%s%%3N) - t2)) ms"
t3=$(date +%%s%%3N)
java -jar /junit/junit-platform-console-standalone.jar execute \
  --class-path '.:/junit/*:test' --scan-classpath --details=none > junit_console.txt 2>&1
echo "test run took $(($(date +%%s%%3N) - t3)) ms"
`, runMain)

	outcome, err := r.Orchestrator.Run(ctx, RunSpec{
		Language:   "java-junit",
		Files:      req.Files,
		LayoutOpts: ioworkspace.LayoutOptions{IsJava: true, Base64: req.Base64, Language: "java"},
		Cmd:        shCmd(script),
		InputText:  req.InputText,
		SideFiles:  []string{"main_compile_errors.txt", "test_compile_errors.txt", "program_output.txt", "test-results.json"},
	})
	if err != nil {
		return testresults.AssignmentResult{}, err
	}

	if mainErrors := outcome.SideFiles["main_compile_errors.txt"]; len(mainErrors) > 0 {
		return testresults.Normalize(nil, "", &testresults.CompileFailure{
			Stage:       testresults.TestMainCompilation,
			Diagnostics: string(mainErrors),
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
