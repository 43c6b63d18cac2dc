package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a no-op HijackedConn used where Attach is exercised.
type fakeConn struct {
	io.Reader
}

func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConn) Close() error                { return nil }
func (f *fakeConn) CloseWrite() error           { return nil }

// nopEngine satisfies EngineClient entirely in memory, for tests that
// exercise Manager logic without a live Docker daemon.
type nopEngine struct {
	waitResult container.WaitResponse
	waitErr    error
	stopped    []string
	removed    []string
}

func (e *nopEngine) ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "fake-container-id"}, nil
}
func (e *nopEngine) ContainerStart(context.Context, string, container.StartOptions) error { return nil }
func (e *nopEngine) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if e.waitErr != nil {
		errCh <- e.waitErr
	} else {
		waitCh <- e.waitResult
	}
	return waitCh, errCh
}
func (e *nopEngine) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	e.stopped = append(e.stopped, id)
	return nil
}
func (e *nopEngine) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	e.removed = append(e.removed, id)
	return nil
}
func (e *nopEngine) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (e *nopEngine) ContainerAttach(context.Context, string, container.AttachOptions) (HijackedConn, error) {
	return &fakeConn{Reader: strings.NewReader("")}, nil
}
func (e *nopEngine) CopyFromContainer(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (e *nopEngine) ImageExists(context.Context, string) error { return nil }
func (e *nopEngine) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (e *nopEngine) Close() error { return nil }

func TestResolveRuntimeRejectsUnlisted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedRuntimes = []string{"", "runc"}
	m := &Manager{cfg: cfg}

	_, err := m.resolveRuntime(IsolationSandboxed)
	assert.ErrorIs(t, err, ErrRuntimeNotAllowed)
}

func TestResolveRuntimeAllowsDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedRuntimes = []string{"", "runc", "runsc"}
	cfg.SandboxedRuntimeName = "runsc"
	m := &Manager{cfg: cfg}

	name, err := m.resolveRuntime(IsolationSandboxed)
	require.NoError(t, err)
	assert.Equal(t, "runsc", name)

	name, err = m.resolveRuntime(IsolationRunc)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestSecurityOptsIncludesSeccompWhenConfigured(t *testing.T) {
	m := &Manager{cfg: Config{SeccompProfilePath: "/etc/sandbox/seccomp.json"}}
	opts := m.securityOpts()
	assert.Contains(t, opts, "no-new-privileges:true")
	assert.Contains(t, opts, "seccomp=/etc/sandbox/seccomp.json")
}

func TestSecurityOptsOmitsSeccompWhenUnset(t *testing.T) {
	m := &Manager{cfg: Config{}}
	opts := m.securityOpts()
	assert.Len(t, opts, 1)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", OutcomeLabel(true, false, false))
	assert.Equal(t, "timeout", OutcomeLabel(false, true, false))
	assert.Equal(t, "killed", OutcomeLabel(false, false, true))
	assert.Equal(t, "failed", OutcomeLabel(false, false, false))
}

func TestMarkOutcomeAccumulatesStats(t *testing.T) {
	m := NewManagerWithClient(DefaultConfig(), &nopEngine{})
	m.MarkOutcome(true, false, false)
	m.MarkOutcome(false, true, false)
	m.MarkOutcome(false, false, true)
	m.MarkOutcome(false, false, false)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats["success"])
	assert.Equal(t, int64(1), stats["timeout"])
	assert.Equal(t, int64(1), stats["killed"])
	assert.Equal(t, int64(1), stats["failed"])
}

func TestStartAndWaitRemovesContainerExactlyOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	fake := &nopEngine{waitResult: container.WaitResponse{StatusCode: 0}}
	m := NewManagerWithClient(cfg, fake)

	c, err := m.Start(context.Background(), ContainerSpec{Image: "python:3.12-slim-bookworm", Cmd: []string{"true"}})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, c.Status)

	exitCode, err := m.Wait(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, StatusStopped, c.Status)
	assert.Len(t, fake.removed, 1)

	// A subsequent explicit Stop on an already-Stopped container is a no-op
	// and must not issue a second stop request.
	require.NoError(t, m.Stop(context.Background(), c))
	assert.Empty(t, fake.stopped)
}

func TestStopIsIdempotentUnderConcurrentCallers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	fake := &nopEngine{waitResult: container.WaitResponse{StatusCode: 137}}
	m := NewManagerWithClient(cfg, fake)

	c, err := m.Start(context.Background(), ContainerSpec{Image: "python:3.12-slim-bookworm", Cmd: []string{"sleep", "100"}})
	require.NoError(t, err)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = m.Stop(context.Background(), c)
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.Len(t, fake.stopped, 1, "exactly one caller should win the CAS and issue the stop")
	assert.Equal(t, StatusStopped, c.Status)
}
