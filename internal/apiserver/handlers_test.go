package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/runners"
	"sandboxrunner/internal/testresults"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubRunner is a canned runners.Runner for exercising the HTTP layer
// without a container runtime.
type stubRunner struct {
	codeResult       runners.ExecutionResult
	codeErr          error
	projectResult    runners.ExecutionResult
	projectErr       error
	assignmentResult testresults.AssignmentResult
	assignmentErr    error
	lastCodeReq      runners.CodeRequest
	lastProjectReq   runners.ProjectRequest
	lastAssignReq    runners.AssignmentRequest
}

func (r *stubRunner) Language() string { return "fake" }

func (r *stubRunner) RunCode(_ context.Context, req runners.CodeRequest) (runners.ExecutionResult, error) {
	r.lastCodeReq = req
	return r.codeResult, r.codeErr
}

func (r *stubRunner) RunProject(_ context.Context, req runners.ProjectRequest) (runners.ExecutionResult, error) {
	r.lastProjectReq = req
	return r.projectResult, r.projectErr
}

func (r *stubRunner) RunAssignment(_ context.Context, req runners.AssignmentRequest) (testresults.AssignmentResult, error) {
	r.lastAssignReq = req
	return r.assignmentResult, r.assignmentErr
}

func newTestRouter(r runners.Runner) *gin.Engine {
	engine := gin.New()
	engine.POST("/execute/fake", runCodeHandler(r))
	engine.POST("/execute/fake-project", runProjectHandler("fake", r))
	engine.POST("/execute/fake-assignment", runAssignmentHandler(r))
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRunCodeHandler_PlainOutput(t *testing.T) {
	r := &stubRunner{codeResult: runners.ExecutionResult{Output: "hello\n"}}
	engine := newTestRouter(r)

	w := doJSON(t, engine, http.MethodPost, "/execute/fake", codeRequest{Code: "print('hi')"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp executionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello\n", resp.Output)
	assert.Equal(t, "print('hi')", r.lastCodeReq.Code)
}

func TestRunCodeHandler_Base64RoundTrip(t *testing.T) {
	r := &stubRunner{codeResult: runners.ExecutionResult{Output: "Hello, world!\n"}}
	engine := newTestRouter(r)

	encoded := ioworkspace.EncodeBase64([]byte("print('Hello, world!')"))
	w := doJSON(t, engine, http.MethodPost, "/execute/fake", codeRequest{
		Code:               encoded,
		IsInputBase64:      true,
		ShouldOutputBase64: true,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp executionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SGVsbG8sIHdvcmxkIQo=", resp.Output)
	assert.Equal(t, "print('Hello, world!')", r.lastCodeReq.Code)
}

func TestRunCodeHandler_InvalidBase64(t *testing.T) {
	r := &stubRunner{}
	engine := newTestRouter(r)

	w := doJSON(t, engine, http.MethodPost, "/execute/fake", codeRequest{
		Code:          "not-valid-base64!!!",
		IsInputBase64: true,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunCodeHandler_RunnerError(t *testing.T) {
	r := &stubRunner{codeErr: runners.ErrBadRequest{Reason: "missing main class"}}
	engine := newTestRouter(r)

	w := doJSON(t, engine, http.MethodPost, "/execute/fake", codeRequest{Code: "x"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "missing main class")
}

func TestRunProjectHandler(t *testing.T) {
	r := &stubRunner{projectResult: runners.ExecutionResult{Output: "Hello, world!\n"}}
	engine := newTestRouter(r)

	w := doJSON(t, engine, http.MethodPost, "/execute/fake-project", projectRequest{
		MainFile:        "main.py",
		AdditionalFiles: map[string]string{"helper.py": "def greet(n): return 'Hello, ' + n + '!'"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "main.py", r.lastProjectReq.MainFile)
	assert.Contains(t, r.lastProjectReq.Files, "helper.py")
}

func TestRunAssignmentHandler_MergesFiles(t *testing.T) {
	r := &stubRunner{assignmentResult: testresults.AssignmentResult{
		TestResults: []testresults.TestOutcome{{Test: "testGreet()", Status: testresults.StatusSuccessful}},
		TestsPassed: true,
		Score:       100,
	}}
	engine := newTestRouter(r)

	w := doJSON(t, engine, http.MethodPost, "/execute/fake-assignment", assignmentRequest{
		MainFile:        "Main.java",
		AdditionalFiles: map[string]string{"Helper.java": "class Helper {}"},
		TestFiles:       map[string]string{"test/MainTest.java": "class MainTest {}"},
		MainClassName:   "Main",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, r.lastAssignReq.Files, "Helper.java")
	assert.Contains(t, r.lastAssignReq.Files, "test/MainTest.java")
	assert.Equal(t, "Main", r.lastAssignReq.MainClassName)

	var resp assignmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.TestsPassed)
	assert.Equal(t, 100, resp.Score)
	require.Len(t, resp.TestResults, 1)
	assert.Equal(t, "SUCCESSFUL", resp.TestResults[0].Status)
}

func TestHealthHandler(t *testing.T) {
	engine := gin.New()
	engine.GET("/health", healthHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
