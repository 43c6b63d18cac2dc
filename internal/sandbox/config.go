// Package sandbox implements the Container Lifecycle Manager: a thin typed
// wrapper over the Docker SDK that creates, starts, watches, and tears down
// resource-capped containers, guarded by a process-wide state machine that
// makes double-stop a detectable bug rather than a silent retry.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// IsolationMode selects the OCI runtime backend a container is started with.
type IsolationMode string

const (
	IsolationRunc      IsolationMode = "runc"
	IsolationSandboxed IsolationMode = "sandboxed" // gVisor-class runtime, e.g. runsc
)

// ResourceQuota bounds memory, CPU, process count, wall-clock time, and
// captured-output size for one container.
type ResourceQuota struct {
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	Timeout        time.Duration
	MaxOutputBytes int64
}

// CacheMountSpec describes a host<->container package-cache bind mount.
type CacheMountSpec struct {
	Name          string
	ContainerPath string
	Env           map[string]string
}

// LanguageTemplate binds a language to its default image, in-container
// working directory, and package-cache mounts. The Language Runners compose
// their own argv; the template only supplies the image and environment.
type LanguageTemplate struct {
	Language    string
	Image       string
	WorkDir     string
	Env         map[string]string
	CacheMounts []CacheMountSpec
}

// Config configures a Manager.
type Config struct {
	DockerHost           string
	DefaultRuntime       IsolationMode
	SandboxedRuntimeName string // e.g. "runsc"; used when IsolationSandboxed is requested
	AllowedRuntimes      []string

	WorkspaceRoot      string
	PackageCacheRoot   string
	EnablePackageCache bool

	SeccompProfilePath string

	DefaultQuota   ResourceQuota
	LanguageQuotas map[string]ResourceQuota
	Templates      map[string]LanguageTemplate

	TmpfsSize          string
	SharedMemBytes     int64
	StopTimeoutSeconds int
}

// DefaultConfig returns environment-driven defaults.
func DefaultConfig() Config {
	workspaceRoot := envOr("HOST_TMP_DIR", filepath.Join(os.TempDir(), "sandbox-engine"))
	cacheRoot := envOr("PACKAGE_CACHE_DIR", "")

	cfg := Config{
		DockerHost:           envOr("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DefaultRuntime:       runtimeFromEnv(),
		SandboxedRuntimeName: envOr("SANDBOX_RUNTIME_NAME", "runsc"),
		AllowedRuntimes:      []string{"", "runc", "runsc"},
		WorkspaceRoot:        workspaceRoot,
		PackageCacheRoot:     cacheRoot,
		EnablePackageCache:   cacheRoot != "",
		SeccompProfilePath:   os.Getenv("SECCOMP_PROFILE"),
		TmpfsSize:            "64m",
		SharedMemBytes:       64 * 1024 * 1024,
		StopTimeoutSeconds:   1,
		DefaultQuota: ResourceQuota{
			MemoryBytes:    mustParseMemory(envOr("MEMORY_LIMIT", "1G")),
			NanoCPUs:       int64(cpuFractionFromEnv() * 1_000_000_000),
			PidsLimit:      128,
			Timeout:        time.Duration(timeoutMsFromEnv()) * time.Millisecond,
			MaxOutputBytes: 1 << 20,
		},
		LanguageQuotas: map[string]ResourceQuota{},
		Templates:      DefaultLanguageTemplates(),
	}
	return cfg
}

// EffectiveQuota resolves a language-specific override layered on the default quota.
func (c Config) EffectiveQuota(language string) ResourceQuota {
	q := c.DefaultQuota
	if override, ok := c.LanguageQuotas[normalizeLanguage(language)]; ok {
		if override.MemoryBytes > 0 {
			q.MemoryBytes = override.MemoryBytes
		}
		if override.NanoCPUs > 0 {
			q.NanoCPUs = override.NanoCPUs
		}
		if override.PidsLimit > 0 {
			q.PidsLimit = override.PidsLimit
		}
		if override.Timeout > 0 {
			q.Timeout = override.Timeout
		}
		if override.MaxOutputBytes > 0 {
			q.MaxOutputBytes = override.MaxOutputBytes
		}
	}
	return q
}

// Template returns the language template registered for language, if any.
func (c Config) Template(language string) (LanguageTemplate, bool) {
	t, ok := c.Templates[normalizeLanguage(language)]
	return t, ok
}

// DefaultLanguageTemplates defines the three supported languages' default
// images and package-cache wiring.
func DefaultLanguageTemplates() map[string]LanguageTemplate {
	return map[string]LanguageTemplate{
		"python": {
			Language: "python",
			Image:    envOr("DOCKER_IMAGE_PYTHON", "python:3.12-slim-bookworm"),
			WorkDir:  "/workspace",
			Env: map[string]string{
				"PYTHONDONTWRITEBYTECODE":       "1",
				"PYTHONUNBUFFERED":              "1",
				"PIP_DISABLE_PIP_VERSION_CHECK": "1",
			},
			CacheMounts: []CacheMountSpec{
				{Name: "pip", ContainerPath: "/cache/pip", Env: map[string]string{"PIP_CACHE_DIR": "/cache/pip"}},
			},
		},
		"python-unittest": {
			Language: "python-unittest",
			Image:    envOr("DOCKER_IMAGE_PYTHON_UNITTEST", "python:3.12-slim-bookworm"),
			WorkDir:  "/workspace",
			Env: map[string]string{
				"PYTHONDONTWRITEBYTECODE": "1",
				"PYTHONUNBUFFERED":        "1",
			},
		},
		"java": {
			Language: "java",
			Image:    envOr("DOCKER_IMAGE_JAVA", "eclipse-temurin:21-jdk-jammy"),
			WorkDir:  "/workspace",
			CacheMounts: []CacheMountSpec{
				{Name: "m2", ContainerPath: "/cache/m2", Env: map[string]string{"MAVEN_CONFIG": "/cache/m2"}},
			},
		},
		"java-junit": {
			Language: "java-junit",
			Image:    envOr("DOCKER_IMAGE_JAVA_JUNIT", "eclipse-temurin:21-jdk-jammy"),
			WorkDir:  "/workspace",
			CacheMounts: []CacheMountSpec{
				{Name: "m2", ContainerPath: "/cache/m2", Env: map[string]string{"MAVEN_CONFIG": "/cache/m2"}},
			},
		},
		"cpp": {
			Language: "cpp",
			Image:    envOr("DOCKER_IMAGE_CPP", "gcc:13-bookworm"),
			WorkDir:  "/workspace",
		},
		"cpp-doctest": {
			Language: "cpp-doctest",
			Image:    envOr("DOCKER_IMAGE_CPP_DOCTEST", "gcc:13-bookworm"),
			WorkDir:  "/workspace",
		},
	}
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func runtimeFromEnv() IsolationMode {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DOCKER_RUNTIME"))) {
	case "runsc", "sandboxed", "gvisor":
		return IsolationSandboxed
	default:
		return IsolationRunc
	}
}

func cpuFractionFromEnv() float64 {
	v := strings.TrimSpace(os.Getenv("CPU_LIMIT"))
	if v == "" {
		return 0.8
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%f", &f); err != nil || f <= 0 {
		return 0.8
	}
	return f
}

func timeoutMsFromEnv() int64 {
	v := strings.TrimSpace(os.Getenv("EXECUTION_TIME_LIMIT"))
	if v == "" {
		return 10000
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil || ms <= 0 {
		return 10000
	}
	return ms
}

func mustParseMemory(s string) int64 {
	n, err := parseMemory(s)
	if err != nil {
		return 1 << 30
	}
	return n
}

// parseMemory applies the same K|M|G suffix rules as
// ioworkspace.ParseMemoryLimit to config defaults; the public IO Core
// function is the one consumed by runners and tests.
func parseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	multiplier := int64(1)
	numeric := s
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1024
		numeric = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		numeric = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		numeric = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(strings.TrimSpace(numeric), "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	return n * multiplier, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
