package testresults

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAllPassing(t *testing.T) {
	raw := []byte(`[{"test":"testAdd","status":"SUCCESSFUL"},{"test":"testSub","status":"SUCCESSFUL"}]`)
	result, err := Normalize(raw, "2\n-1\n", nil)
	require.NoError(t, err)
	assert.True(t, result.TestsPassed)
	assert.Equal(t, 100, result.Score)
	assert.Len(t, result.TestResults, 2)
}

func TestNormalizePartialFailure(t *testing.T) {
	raw := []byte(`[{"test":"testAdd","status":"SUCCESSFUL"},{"test":"testSub","status":"FAILED","exception":"expected -1 got 1"}]`)
	result, err := Normalize(raw, "", nil)
	require.NoError(t, err)
	assert.False(t, result.TestsPassed)
	assert.Equal(t, 50, result.Score)
}

func TestNormalizeEmptyResultsYieldsZeroScore(t *testing.T) {
	result, err := Normalize(nil, "", nil)
	require.NoError(t, err)
	assert.False(t, result.TestsPassed)
	assert.Equal(t, 0, result.Score)
	assert.Empty(t, result.TestResults)
}

func TestNormalizeMainCompilationFailureBypassesRawJSON(t *testing.T) {
	raw := []byte(`[{"test":"testAdd","status":"SUCCESSFUL"}]`)
	result, err := Normalize(raw, "", &CompileFailure{Stage: TestMainCompilation, Diagnostics: "Main.java:3: error: ';' expected"})
	require.NoError(t, err)
	assert.False(t, result.TestsPassed)
	assert.Equal(t, 0, result.Score)
	require.Len(t, result.TestResults, 1)
	assert.Equal(t, TestMainCompilation, result.TestResults[0].Test)
	assert.Equal(t, StatusFailed, result.TestResults[0].Status)
	assert.Equal(t, "Main.java:3: error: ';' expected", result.Output)
}

func TestNormalizeTestCompilationFailure(t *testing.T) {
	result, err := Normalize(nil, "", &CompileFailure{Stage: TestTestCompilation, Diagnostics: "MainTest.java:5: cannot find symbol"})
	require.NoError(t, err)
	assert.Equal(t, TestTestCompilation, result.TestResults[0].Test)
}

func TestNormalizeInvalidJSON(t *testing.T) {
	_, err := Normalize([]byte("not json"), "", nil)
	assert.Error(t, err)
}

func TestSingleFailure(t *testing.T) {
	result := SingleFailure(TestCompilation, "SyntaxError: invalid syntax", "  File \"main.py\", line 1")
	assert.False(t, result.TestsPassed)
	assert.Equal(t, 0, result.Score)
	assert.Equal(t, TestCompilation, result.TestResults[0].Test)
}
