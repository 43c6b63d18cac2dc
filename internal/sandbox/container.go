package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"sandboxrunner/internal/logging"
	"sandboxrunner/internal/metrics"
)

// Status is a container's position in the lifecycle state machine.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ErrUnknownContainer is returned by operations given a containerID the
// Manager has no record of.
var ErrUnknownContainer = errors.New("sandbox: unknown container")

// ErrRuntimeNotAllowed is returned when spec.Runtime names an OCI runtime not
// present in Config.AllowedRuntimes.
var ErrRuntimeNotAllowed = errors.New("sandbox: runtime not allowed")

// MountSpec describes a single bind mount into the container.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ContainerSpec describes a container to be created and started.
type ContainerSpec struct {
	Image              string
	Cmd                []string
	WorkDir            string
	Env                []string
	Mounts             []MountSpec
	Runtime            IsolationMode
	NanoCPUs           int64
	MemoryBytes        int64
	PidsLimit          int64
	StopTimeoutSeconds int
	TTY                bool
	AttachStdin        bool
	NetworkEnabled     bool
	Deadline           time.Duration
}

// Container is a handle to a running (or formerly running) sandbox
// container, owned exclusively by the runner or Coordinator that created it.
type Container struct {
	ID     string
	Status Status

	manager         *Manager
	stopGrace       int
	mu              sync.Mutex
	deadlineTime    *time.Timer
	deadlineExpired bool
}

// DeadlineExpired reports whether the container's wall-clock deadline fired
// before it exited on its own. Runners use this to classify a run that was
// force-stopped as timed out even though the runtime reports an ordinary
// exit code for it.
func (c *Container) DeadlineExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlineExpired
}

// EngineClient is the subset of the Docker SDK client the lifecycle manager
// depends on, narrowed for testability with a fake implementation.
type EngineClient interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	ContainerAttach(ctx context.Context, id string, opts container.AttachOptions) (HijackedConn, error)
	CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error)
	ImageExists(ctx context.Context, ref string) error
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// HijackedConn is the bidirectional byte stream returned by Attach.
type HijackedConn interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Manager is the Container Lifecycle Manager: it owns the Docker SDK client,
// the per-language template/quota registry, and the process-wide
// containerID -> state map that makes double-stop detectable.
type Manager struct {
	cfg    Config
	client EngineClient

	mu         sync.Mutex
	containers map[string]*Container

	totalExecs, successExecs, failedExecs, timeoutExecs, killedExecs int64
	activeExecs, maxActiveExecs                                     int64
}

// NewManager constructs a Manager backed by a real Docker SDK client.
func NewManager(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithHost(cfg.DockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	return NewManagerWithClient(cfg, dockerClientAdapter{cli}), nil
}

func NewManagerWithClient(cfg Config, cli EngineClient) *Manager {
	return &Manager{
		cfg:        cfg,
		client:     cli,
		containers: make(map[string]*Container),
	}
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// Start creates and starts a container per spec, arms its wall-clock
// deadline, and registers it in the process-wide state map as Running.
func (m *Manager) Start(ctx context.Context, spec ContainerSpec) (*Container, error) {
	runtimeName, err := m.resolveRuntime(spec.Runtime)
	if err != nil {
		return nil, err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, ms := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   ms.HostPath,
			Target:   ms.ContainerPath,
			ReadOnly: ms.ReadOnly,
		})
	}

	pidsLimit := spec.PidsLimit
	hostCfg := &container.HostConfig{
		Runtime:        runtimeName,
		Mounts:         mounts,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    m.securityOpts(),
		ShmSize:        m.cfg.SharedMemBytes,
		NetworkMode:    "none",
		Tmpfs:          map[string]string{"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%s", m.cfg.TmpfsSize)},
		ReadonlyRootfs: false,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}
	if spec.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
	}

	grace := spec.StopTimeoutSeconds
	if grace <= 0 {
		grace = m.cfg.StopTimeoutSeconds
	}
	if grace <= 0 {
		grace = 1
	}

	created, err := m.client.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		Env:          spec.Env,
		Tty:          spec.TTY,
		OpenStdin:    spec.AttachStdin,
		AttachStdin:  spec.AttachStdin,
		StdinOnce:    spec.AttachStdin,
		AttachStdout: true,
		AttachStderr: true,
		StopTimeout:  &grace,
	}, hostCfg, &network.NetworkingConfig{}, "sandbox-"+uuid.NewString()[:12])
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	c := &Container{ID: created.ID, Status: StatusRunning, manager: m, stopGrace: grace}

	if err := m.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		_ = m.client.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	m.mu.Lock()
	m.containers[c.ID] = c
	m.totalExecs++
	m.activeExecs++
	if m.activeExecs > m.maxActiveExecs {
		m.maxActiveExecs = m.activeExecs
	}
	m.mu.Unlock()
	metrics.Get().ExecutionsInFlight.Inc()

	if spec.Deadline > 0 {
		c.deadlineTime = time.AfterFunc(spec.Deadline, func() {
			logging.S().Warnw("container wall-clock deadline expired", "container", c.ID)
			c.mu.Lock()
			c.deadlineExpired = true
			c.mu.Unlock()
			_ = m.Stop(context.Background(), c)
		})
	}

	return c, nil
}

// Wait blocks until the container exits and returns its exit code. If the
// container was still Running when the wait completed (i.e. neither an
// explicit Stop nor the deadline beat it), Wait performs the remove and
// deletes the state-map entry itself, per the Running -> wait-completes ->
// removed transition.
func (m *Manager) Wait(ctx context.Context, c *Container) (int, error) {
	waitCh, errCh := m.client.ContainerWait(ctx, c.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case resp := <-waitCh:
		exitCode = int(resp.StatusCode)
	case err := <-errCh:
		return 0, fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	c.mu.Lock()
	wasRunning := c.Status == StatusRunning
	if wasRunning {
		c.Status = StatusStopped
	}
	c.mu.Unlock()

	if wasRunning {
		if c.deadlineTime != nil {
			c.deadlineTime.Stop()
		}
		m.remove(c.ID)
	}
	// If wasRunning is false, the container was already transitioning via
	// Stop()/deadline; that path owns the remove+delete.

	return exitCode, nil
}

// Logs returns the live framed stdio stream until the container exits.
func (m *Manager) Logs(ctx context.Context, c *Container) (io.ReadCloser, error) {
	return m.client.ContainerLogs(ctx, c.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
}

// Attach returns a bidirectional byte stream for interactive sessions.
func (m *Manager) Attach(ctx context.Context, c *Container) (HijackedConn, error) {
	return m.client.ContainerAttach(ctx, c.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
}

// CopyFromContainer returns a tar stream of containerPath from c.
func (m *Manager) CopyFromContainer(ctx context.Context, c *Container, containerPath string) (io.ReadCloser, error) {
	return m.client.CopyFromContainer(ctx, c.ID, containerPath)
}

// CopyFromContainer implements ioworkspace.ArchiveSource by binding this
// Container to its owning Manager.
func (c *Container) CopyFromContainer(ctx context.Context, containerPath string) (io.ReadCloser, error) {
	return c.manager.CopyFromContainer(ctx, c, containerPath)
}

// Stop idempotently transitions a container to Stopping and then Stopped.
// The CAS on Running->Stopping is the only path in the Manager allowed to
// issue a stop request, which is what makes double-stop detectable rather
// than silently retried: a second concurrent caller simply finds the CAS
// has already failed and no-ops.
func (m *Manager) Stop(ctx context.Context, c *Container) error {
	c.mu.Lock()
	if c.Status != StatusRunning {
		c.mu.Unlock()
		logging.S().Warnw("stop requested for non-running container", "container", c.ID, "status", c.Status)
		return nil
	}
	c.Status = StatusStopping
	c.mu.Unlock()

	if c.deadlineTime != nil {
		c.deadlineTime.Stop()
	}

	grace := c.stopGrace
	if grace <= 0 {
		grace = 1
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(grace+5)*time.Second)
	defer cancel()

	if err := m.client.ContainerStop(stopCtx, c.ID, container.StopOptions{Timeout: &grace}); err != nil {
		logging.S().Warnw("container stop failed", "container", c.ID, "error", err)
	}

	c.mu.Lock()
	c.Status = StatusStopped
	c.mu.Unlock()

	m.remove(c.ID)
	return nil
}

func (m *Manager) remove(containerID string) {
	_ = m.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	m.mu.Lock()
	if _, ok := m.containers[containerID]; ok {
		delete(m.containers, containerID)
		m.activeExecs--
		metrics.Get().ExecutionsInFlight.Dec()
	}
	m.mu.Unlock()
}

// MarkOutcome records a terminal classification in the manager's aggregate
// counters. Exactly one of success/timeout/killed should be true, or none
// for a failed run. The per-language Prometheus counter is recorded by the
// orchestrator, which knows the language and duration this method does not.
func (m *Manager) MarkOutcome(success, timeout, killed bool) {
	m.mu.Lock()
	switch {
	case success:
		m.successExecs++
	case timeout:
		m.timeoutExecs++
	case killed:
		m.killedExecs++
	default:
		m.failedExecs++
	}
	m.mu.Unlock()
}

// OutcomeLabel is the metrics status label for a terminal classification.
func OutcomeLabel(success, timeout, killed bool) string {
	switch {
	case success:
		return "success"
	case timeout:
		return "timeout"
	case killed:
		return "killed"
	default:
		return "failed"
	}
}

// Stats returns aggregate execution counters.
func (m *Manager) Stats() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"total":          m.totalExecs,
		"success":        m.successExecs,
		"failed":         m.failedExecs,
		"timeout":        m.timeoutExecs,
		"killed":         m.killedExecs,
		"active":         m.activeExecs,
		"max_concurrent": m.maxActiveExecs,
	}
}

// EnsureImage pulls ref if it is not already present locally.
func (m *Manager) EnsureImage(ctx context.Context, ref string) error {
	if err := m.client.ImageExists(ctx, ref); err == nil {
		return nil
	}
	rc, pullErr := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w", ref, pullErr)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// Close releases the underlying Docker SDK client.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) securityOpts() []string {
	opts := []string{"no-new-privileges:true"}
	if m.cfg.SeccompProfilePath != "" {
		opts = append(opts, "seccomp="+m.cfg.SeccompProfilePath)
	}
	return opts
}

func (m *Manager) resolveRuntime(requested IsolationMode) (string, error) {
	runtime := requested
	if runtime == "" {
		runtime = m.cfg.DefaultRuntime
	}

	var name string
	switch runtime {
	case IsolationRunc, "":
		name = ""
	case IsolationSandboxed:
		name = m.cfg.SandboxedRuntimeName
	default:
		return "", fmt.Errorf("%w: %s", ErrRuntimeNotAllowed, runtime)
	}

	if name == "" {
		return "", nil
	}
	for _, allowed := range m.cfg.AllowedRuntimes {
		if allowed == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRuntimeNotAllowed, name)
}

// dockerClientAdapter narrows *client.Client to EngineClient.
type dockerClientAdapter struct {
	cli *client.Client
}

func (a dockerClientAdapter) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (container.CreateResponse, error) {
	return a.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
}

func (a dockerClientAdapter) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return a.cli.ContainerStart(ctx, id, opts)
}

func (a dockerClientAdapter) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return a.cli.ContainerWait(ctx, id, cond)
}

func (a dockerClientAdapter) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	return a.cli.ContainerStop(ctx, id, opts)
}

func (a dockerClientAdapter) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	return a.cli.ContainerRemove(ctx, id, opts)
}

func (a dockerClientAdapter) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return a.cli.ContainerLogs(ctx, id, opts)
}

func (a dockerClientAdapter) ContainerAttach(ctx context.Context, id string, opts container.AttachOptions) (HijackedConn, error) {
	resp, err := a.cli.ContainerAttach(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return &hijackedConnAdapter{resp: resp}, nil
}

func (a dockerClientAdapter) CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	rc, _, err := a.cli.CopyFromContainer(ctx, id, srcPath)
	return rc, err
}

func (a dockerClientAdapter) ImageExists(ctx context.Context, ref string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	return err
}

func (a dockerClientAdapter) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	return a.cli.ImagePull(ctx, ref, opts)
}

func (a dockerClientAdapter) Close() error { return a.cli.Close() }

// hijackedConnAdapter narrows a Docker SDK types.HijackedResponse, whose
// readable side is its buffered Reader and whose writable side is its raw
// Conn, to a plain io.ReadWriteCloser.
type hijackedConnAdapter struct {
	resp types.HijackedResponse
}

func (h *hijackedConnAdapter) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackedConnAdapter) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijackedConnAdapter) Close() error {
	h.resp.Close()
	return nil
}
func (h *hijackedConnAdapter) CloseWrite() error {
	if cw, ok := interface{}(h.resp.Conn).(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

