package runners

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxrunner/internal/sandbox"
)

func frame(streamID byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamID
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, []byte(payload)...)
}

// fakeEngine is a minimal in-memory sandbox.EngineClient: it records the
// workspace directory bind-mounted into the container so the test can
// assert on the files the orchestrator laid out, and plays back a canned
// framed log stream.
type fakeEngine struct {
	lastHostMount  string
	lastMountFiles []string
	lastCmd        []string
	logOutput      []byte
	exitCode       int64
}

func (e *fakeEngine) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (container.CreateResponse, error) {
	if len(hostCfg.Mounts) > 0 {
		e.lastHostMount = hostCfg.Mounts[0].Source
		entries, _ := os.ReadDir(e.lastHostMount)
		for _, entry := range entries {
			e.lastMountFiles = append(e.lastMountFiles, entry.Name())
		}
	}
	e.lastCmd = cfg.Cmd
	return container.CreateResponse{ID: "fake-id"}, nil
}
func (e *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error { return nil }
func (e *fakeEngine) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	waitCh <- container.WaitResponse{StatusCode: e.exitCode}
	return waitCh, make(chan error, 1)
}
func (e *fakeEngine) ContainerStop(context.Context, string, container.StopOptions) error {
	return nil
}
func (e *fakeEngine) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	return nil
}
func (e *fakeEngine) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(e.logOutput))), nil
}
func (e *fakeEngine) ContainerAttach(context.Context, string, container.AttachOptions) (sandbox.HijackedConn, error) {
	return nil, nil
}
func (e *fakeEngine) CopyFromContainer(context.Context, string, string) (io.ReadCloser, error) {
	return nil, assertErr
}
func (e *fakeEngine) ImageExists(context.Context, string) error { return nil }
func (e *fakeEngine) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (e *fakeEngine) Close() error { return nil }

var assertErr = errNoArchive{}

type errNoArchive struct{}

func (errNoArchive) Error() string { return "no archive" }

func TestOrchestratorRunLaysOutFilesAndDemuxesOutput(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()

	fake := &fakeEngine{
		logOutput: append(frame(1, "hello"), frame(2, "oops")...),
		exitCode:  0,
	}
	mgr := sandbox.NewManagerWithClient(cfg, fake)
	orch := NewOrchestrator(mgr)

	outcome, err := orch.Run(context.Background(), RunSpec{
		Language: "python",
		Files:    map[string]string{"main.py": "print('hi')"},
		Cmd:      shCmd("python3 -u main.py"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\noops\n", outcome.Output)
	assert.Equal(t, 0, outcome.ExitCode)

	// the workspace directory bind-mounted into the container must have
	// contained the laid-out file at the time the container was created
	assert.NotEmpty(t, fake.lastHostMount)
	assert.Contains(t, fake.lastMountFiles, "main.py")
}

func TestOrchestratorRunSkipsMissingSideFiles(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()

	fake := &fakeEngine{exitCode: 0}
	mgr := sandbox.NewManagerWithClient(cfg, fake)
	orch := NewOrchestrator(mgr)

	// The fake never executes anything inside the container, so the
	// requested side file never materializes; the orchestrator must skip it
	// rather than fail the run.
	outcome, err := orch.Run(context.Background(), RunSpec{
		Language:  "python-unittest",
		Files:     map[string]string{"main.py": "print('hi')"},
		Cmd:       shCmd("python3 -u main.py"),
		SideFiles: []string{"test-results.json"},
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.SideFiles["test-results.json"])
}

func TestOrchestratorRunRemovesWorkspaceOnExit(t *testing.T) {
	root := t.TempDir()
	cfg := sandbox.DefaultConfig()
	cfg.WorkspaceRoot = root

	fake := &fakeEngine{exitCode: 0}
	mgr := sandbox.NewManagerWithClient(cfg, fake)
	orch := NewOrchestrator(mgr)

	_, err := orch.Run(context.Background(), RunSpec{
		Language: "python",
		Files:    map[string]string{"main.py": "pass"},
		Cmd:      shCmd("python3 -u main.py"),
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "sandbox"))
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directories must be removed after a run completes")
}

func TestOrchestratorRunUnknownLanguageErrors(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	mgr := sandbox.NewManagerWithClient(cfg, &fakeEngine{})
	orch := NewOrchestrator(mgr)

	_, err := orch.Run(context.Background(), RunSpec{Language: "cobol", Cmd: shCmd("true")})
	assert.Error(t, err)
}
