package apiserver

import (
	"net/http"

	"sandboxrunner/internal/interactive"
	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/runners"
	"sandboxrunner/internal/testresults"
	"github.com/gin-gonic/gin"
)

// languageRunners holds the three language back-ends a batch route
// dispatches to.
type languageRunners struct {
	python runners.Runner
	java   runners.Runner
	cpp    runners.Runner
}

// runCodeHandler serves /execute/{python,java,cpp}.
func runCodeHandler(r runners.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req codeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
			return
		}

		code := req.Code
		input := req.Input
		if req.IsInputBase64 {
			decoded, err := ioworkspace.DecodeBase64(req.Code)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
				return
			}
			code = string(decoded)
			if req.Input != "" {
				decodedInput, err := ioworkspace.DecodeBase64(req.Input)
				if err != nil {
					c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
					return
				}
				input = string(decodedInput)
			}
		}

		result, err := r.RunCode(c.Request.Context(), runners.CodeRequest{Code: code, InputText: input})
		if err != nil {
			writeRunnerError(c, err)
			return
		}

		c.JSON(http.StatusOK, executionResponse{
			Output: encodeOutput(result.Output, req.ShouldOutputBase64),
			Files:  toWireArtifacts(result.Files),
		})
	}
}

// runProjectHandler serves /execute/{python,java,cpp}-project. For java, the
// wire-level mainClassName names the fully-qualified entry point the
// runner needs (Files are addressed by path, not by class name), so it
// takes precedence over mainFile when both are present.
func runProjectHandler(language string, r runners.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req projectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
			return
		}

		files := req.AdditionalFiles
		if files == nil {
			files = map[string]string{}
		}

		input := req.Input
		if req.IsInputBase64 && input != "" {
			decoded, err := ioworkspace.DecodeBase64(req.Input)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
				return
			}
			input = string(decoded)
		}

		mainFile := req.MainFile
		if language == "java" && req.MainClassName != "" {
			mainFile = req.MainClassName
		}

		result, err := r.RunProject(c.Request.Context(), runners.ProjectRequest{
			Files:      files,
			Base64:     req.IsInputBase64,
			MainFile:   mainFile,
			MethodName: req.RunMethod,
			MethodArg:  req.RunMethodArg,
			InputText:  input,
		})
		if err != nil {
			writeRunnerError(c, err)
			return
		}

		c.JSON(http.StatusOK, executionResponse{
			Output: encodeOutput(result.Output, req.ShouldOutputBase64),
			Files:  toWireArtifacts(result.Files),
		})
	}
}

// runAssignmentHandler serves /execute/{python,java,cpp}-assignment. The
// client's additionalFiles/testFiles are merged into one workspace file set
// and mainFile is passed to the runner as the entry-point name; test file paths are taken verbatim from the client (e.g.
// "test/MainTest.java", "test.cpp", "test_main.py"), matching what each
// runner's in-container compile/test stage looks for.
func runAssignmentHandler(r runners.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
			return
		}

		files := map[string]string{}
		for name, content := range req.AdditionalFiles {
			files[name] = content
		}
		for name, content := range req.TestFiles {
			files[name] = content
		}

		input := req.Input
		if req.IsInputBase64 && input != "" {
			decoded, err := ioworkspace.DecodeBase64(req.Input)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
				return
			}
			input = string(decoded)
		}

		result, err := r.RunAssignment(c.Request.Context(), runners.AssignmentRequest{
			Files:         files,
			Base64:        req.IsInputBase64,
			MainFile:      req.MainFile,
			MainClassName: req.MainClassName,
			MethodName:    req.RunMethod,
			MethodArg:     req.RunMethodArg,
			InputText:     input,
		})
		if err != nil {
			writeRunnerError(c, err)
			return
		}

		c.JSON(http.StatusOK, toAssignmentResponse(result))
	}
}

// startSessionHandler serves /execute/startPythonSession and
// /execute/startJavaSession. The main class name for a Java session is not
// supplied here; it is carried on the startProgram websocket frame instead.
func startSessionHandler(co *interactive.Coordinator, language string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := co.CreateSession(c.Request.Context(), language)
		if err != nil {
			writeRunnerError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionResponse{SessionID: sessionID})
	}
}

func encodeOutput(output string, asBase64 bool) string {
	if !asBase64 {
		return output
	}
	return ioworkspace.EncodeBase64([]byte(output))
}

func toWireArtifacts(in map[string]ioworkspace.Artifact) map[string]artifact {
	out := make(map[string]artifact, len(in))
	for name, a := range in {
		out[name] = artifact{MimeType: a.MimeType, ContentB64: a.ContentB64}
	}
	return out
}

func toAssignmentResponse(r testresults.AssignmentResult) assignmentResponse {
	outcomes := make([]testOutcome, 0, len(r.TestResults))
	for _, o := range r.TestResults {
		outcomes = append(outcomes, testOutcome{Test: o.Test, Status: string(o.Status), Exception: o.Exception})
	}
	return assignmentResponse{
		Output:      r.Output,
		TestResults: outcomes,
		TestsPassed: r.TestsPassed,
		Score:       r.Score,
	}
}
