// Package runners implements the per-language execution skeleton shared by
// Python, Java, and C++: lay out a workspace, start a resource-capped
// container against it, drain its log stream concurrently with waiting on
// it, optionally collect an output/ directory, and always tear the
// container and workspace down on the way out.
package runners

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/logging"
	"sandboxrunner/internal/metrics"
	"sandboxrunner/internal/sandbox"
)

// oomExitCode is what the runtime reports when the kernel kills the
// container for exceeding its memory cap.
const oomExitCode = 137

// Orchestrator runs the shared container-execution skeleton on behalf of
// the language-specific runners.
type Orchestrator struct {
	Manager *sandbox.Manager
}

// NewOrchestrator wraps a Container Lifecycle Manager for use by runners.
func NewOrchestrator(m *sandbox.Manager) *Orchestrator {
	return &Orchestrator{Manager: m}
}

// RunSpec describes one container-backed execution.
type RunSpec struct {
	Language       string
	Files          map[string]string
	LayoutOpts     ioworkspace.LayoutOptions
	Cmd            []string
	InputText      string
	CollectOutput  bool
	NetworkEnabled bool
	// SideFiles names workspace-relative files (written by the in-container
	// command, e.g. test-results.json or a *_compile_errors.txt) to read
	// back once the container exits and before the workspace is removed.
	SideFiles []string
}

// RunOutcome is what a single Run call produces.
type RunOutcome struct {
	Output    string
	Artifacts map[string]ioworkspace.Artifact
	SideFiles map[string][]byte
	ExitCode  int
	TimedOut  bool
}

// Run executes spec to completion: workspace allocate -> layout -> start ->
// (wait || drain logs) -> collect artifacts -> stop -> remove workspace.
func (o *Orchestrator) Run(ctx context.Context, spec RunSpec) (RunOutcome, error) {
	started := time.Now()
	cfg := o.Manager.Config()

	template, ok := cfg.Template(spec.Language)
	if !ok {
		return RunOutcome{}, fmt.Errorf("runners: no template registered for language %q", spec.Language)
	}
	quota := cfg.EffectiveQuota(spec.Language)

	root, err := ioworkspace.NewWorkspaceRoot(cfg.WorkspaceRoot, "sandbox")
	if err != nil {
		return RunOutcome{}, fmt.Errorf("allocate workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(root); rmErr != nil {
			logging.S().Warnw("workspace cleanup failed", "root", root, "error", rmErr)
		}
	}()

	if err := ioworkspace.LayoutWorkspace(ctx, root, spec.Files, spec.LayoutOpts); err != nil {
		return RunOutcome{}, fmt.Errorf("layout workspace: %w", err)
	}

	if spec.InputText != "" {
		if err := os.WriteFile(filepath.Join(root, "input.txt"), []byte(spec.InputText), 0o644); err != nil {
			return RunOutcome{}, fmt.Errorf("write input: %w", err)
		}
	}

	if spec.CollectOutput {
		if err := os.MkdirAll(filepath.Join(root, "output"), 0o755); err != nil {
			return RunOutcome{}, fmt.Errorf("create output dir: %w", err)
		}
	}

	if err := o.Manager.EnsureImage(ctx, template.Image); err != nil {
		return RunOutcome{}, fmt.Errorf("ensure image: %w", err)
	}

	mounts := []sandbox.MountSpec{{HostPath: root, ContainerPath: template.WorkDir}}
	env := envSlice(template.Env)
	for _, cm := range template.CacheMounts {
		if !cfg.EnablePackageCache {
			continue
		}
		hostPath := filepath.Join(cfg.PackageCacheRoot, cm.Name)
		if err := os.MkdirAll(hostPath, 0o755); err != nil {
			logging.S().Warnw("package cache mount unavailable", "name", cm.Name, "error", err)
			continue
		}
		mounts = append(mounts, sandbox.MountSpec{HostPath: hostPath, ContainerPath: cm.ContainerPath})
		for k, v := range cm.Env {
			env = append(env, k+"="+v)
		}
	}

	containerSpec := sandbox.ContainerSpec{
		Image:          template.Image,
		Cmd:            spec.Cmd,
		WorkDir:        template.WorkDir,
		Env:            env,
		Mounts:         mounts,
		NanoCPUs:       quota.NanoCPUs,
		MemoryBytes:    quota.MemoryBytes,
		PidsLimit:      quota.PidsLimit,
		Deadline:       quota.Timeout,
		NetworkEnabled: spec.NetworkEnabled,
	}

	c, err := o.Manager.Start(ctx, containerSpec)
	if err != nil {
		return RunOutcome{}, fmt.Errorf("start container: %w", err)
	}
	defer func() { _ = o.Manager.Stop(context.Background(), c) }()

	logCh := make(chan string, 1)
	logErrCh := make(chan error, 1)
	go func() {
		rc, logErr := o.Manager.Logs(ctx, c)
		if logErr != nil {
			logErrCh <- logErr
			return
		}
		defer rc.Close()
		out, demuxErr := ioworkspace.DemuxStdio(rc, quota.MaxOutputBytes)
		if demuxErr != nil {
			logErrCh <- demuxErr
			return
		}
		logCh <- out
	}()

	waitCtx := ctx
	cancel := func() {}
	if quota.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, quota.Timeout+2*time.Second)
	}
	exitCode, waitErr := o.Manager.Wait(waitCtx, c)
	cancel()

	var output string
	select {
	case output = <-logCh:
	case logErr := <-logErrCh:
		logging.S().Warnw("log drain failed", "container", c.ID, "error", logErr)
	case <-time.After(2 * time.Second):
		logging.S().Warnw("log drain timed out after container exit", "container", c.ID)
	}

	// The common timeout path is the manager's deadline timer force-stopping
	// the container, after which Wait returns an ordinary exit code; the
	// DeadlineExceeded branch only fires when the daemon call itself wedges
	// past the backstop context.
	timedOut := c.DeadlineExpired() || errors.Is(waitErr, context.DeadlineExceeded)
	if waitErr != nil && !timedOut {
		o.Manager.MarkOutcome(false, false, false)
		metrics.Get().RecordCodeExecution(spec.Language, sandbox.OutcomeLabel(false, false, false), time.Since(started))
		return RunOutcome{Output: output}, fmt.Errorf("wait container: %w", waitErr)
	}

	// A timed-out wait is not itself an error: the response still carries
	// whatever output and side files the run produced before its deadline,
	// so execution continues through side-file/artifact collection below.
	outcome := RunOutcome{Output: output, ExitCode: exitCode, TimedOut: timedOut}

	if len(spec.SideFiles) > 0 {
		outcome.SideFiles = make(map[string][]byte, len(spec.SideFiles))
		for _, name := range spec.SideFiles {
			data, readErr := os.ReadFile(filepath.Join(root, name))
			if readErr != nil {
				continue
			}
			outcome.SideFiles[name] = data
		}
	}

	if spec.CollectOutput {
		artifacts, artErr := ioworkspace.CollectArtifacts(ctx, c, template.WorkDir+"/output", root, quota.MaxOutputBytes)
		if artErr != nil {
			logging.S().Warnw("artifact collection failed", "container", c.ID, "error", artErr)
			artifacts = map[string]ioworkspace.Artifact{}
		}
		outcome.Artifacts = artifacts
	}

	success := !timedOut && exitCode == 0
	killed := !timedOut && exitCode == oomExitCode
	o.Manager.MarkOutcome(success, timedOut, killed)
	metrics.Get().RecordCodeExecution(spec.Language, sandbox.OutcomeLabel(success, timedOut, killed), time.Since(started))
	return outcome, nil
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
