package runners

import (
	"context"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/testresults"
)

// CodeRequest is a single-snippet execution request (runCode).
type CodeRequest struct {
	Code      string
	InputText string
}

// ProjectRequest is a multi-file execution request (runProject).
type ProjectRequest struct {
	Files      map[string]string
	Base64     bool
	MainFile   string
	MethodName string // Python: callable to invoke from the main module
	MethodArg  string // Python: single argument passed to MethodName
	InputText  string
}

// AssignmentRequest is a graded-execution request (runAssignment).
type AssignmentRequest struct {
	Files         map[string]string
	Base64        bool
	MainFile      string
	MainClassName string // required for Java
	MethodName    string // Python: callable to invoke from the main module
	MethodArg     string // Python: single argument passed to MethodName
	InputText     string // piped to the program's stdin before tests run
}

// ExecutionResult is the ExecutionResult shape for runCode/runProject.
type ExecutionResult struct {
	Output string
	Files  map[string]ioworkspace.Artifact
}

// Runner is implemented by each language's execution back-end.
type Runner interface {
	Language() string
	RunCode(ctx context.Context, req CodeRequest) (ExecutionResult, error)
	RunProject(ctx context.Context, req ProjectRequest) (ExecutionResult, error)
	RunAssignment(ctx context.Context, req AssignmentRequest) (testresults.AssignmentResult, error)
}

// ErrBadRequest signals the request is structurally invalid for the
// language (e.g. a Java assignment missing mainClassName).
type ErrBadRequest struct {
	Reason string
}

func (e ErrBadRequest) Error() string { return "runners: bad request: " + e.Reason }
