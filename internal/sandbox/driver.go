// Package sandbox runs tool commands inside an isolated container. The
// driver shells out to the docker CLI so the host needs no daemon client
// library, only a working `docker` binary on PATH.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned when isolation is required but the
	// container runtime cannot be reached.
	ErrUnavailable = errors.New("sandbox: container runtime unavailable")

	// ErrTimeout is returned when a command exceeds its wall-clock budget.
	ErrTimeout = errors.New("sandbox: execution timeout")
)

// WorkspaceAccess controls how the agent workspace is mounted.
type WorkspaceAccess string

const (
	WorkspaceNone      WorkspaceAccess = "none"
	WorkspaceReadOnly  WorkspaceAccess = "ro"
	WorkspaceReadWrite WorkspaceAccess = "rw"
)

// Config describes the container the driver launches per command.
type Config struct {
	// Image is the container image commands run in.
	Image string

	// Workspace is the host directory mounted at /workspace. Empty means
	// no mount regardless of Access.
	Workspace string

	// Access is the workspace mount mode. Defaults to read-only.
	Access WorkspaceAccess

	// CPUMillis caps CPU in millicores. 1000 is one core.
	CPUMillis int

	// MemoryMB caps memory, with swap pinned to the same value.
	MemoryMB int

	// PidsLimit caps process count inside the container.
	PidsLimit int

	// Network enables outbound network access. Off unless the tool
	// declares a network side effect.
	Network bool

	// DefaultTimeout bounds commands that arrive without one.
	DefaultTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "alpine:3.20"
	}
	if c.Access == "" {
		c.Access = WorkspaceReadOnly
	}
	if c.CPUMillis <= 0 {
		c.CPUMillis = 1000
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 100
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
}

// Driver executes commands in throwaway containers. It satisfies
// tools.CommandRunner.
type Driver struct {
	config Config
	logger *slog.Logger

	// runCommand is swapped in tests to avoid a real docker dependency.
	runCommand func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	lookPath func(file string) (string, error)
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// NewDriver builds a docker-backed driver. It does not probe the runtime;
// availability is checked per run so a daemon restart heals without a
// process restart.
func NewDriver(config Config, opts ...Option) *Driver {
	config.applyDefaults()
	d := &Driver{
		config:     config,
		logger:     slog.Default(),
		runCommand: runHostCommand,
		lookPath:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Available reports whether the docker binary is on PATH.
func (d *Driver) Available() bool {
	_, err := d.lookPath("docker")
	return err == nil
}

// Run executes command under `sh -c` in a fresh container and returns its
// output. The container gets a read-only root filesystem, a writable tmpfs
// at /tmp, and the configured resource caps. On wall-clock timeout the
// container is killed and the error wraps ErrTimeout.
func (d *Driver) Run(ctx context.Context, command string, timeout time.Duration) (string, string, int, error) {
	if !d.Available() {
		return "", "", -1, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := d.containerArgs()
	args = append(args, d.config.Image, "sh", "-c", command)

	started := time.Now()
	stdout, stderr, exitCode, err := d.runCommand(runCtx, "docker", args...)
	elapsed := time.Since(started)

	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		d.logger.Warn("sandbox command timed out",
			"timeout", timeout,
			"elapsed", elapsed)
		return stdout, stderr, -1, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		return stdout, stderr, exitCode, fmt.Errorf("sandbox: docker run: %w", err)
	}

	d.logger.Debug("sandbox command finished",
		"exit_code", exitCode,
		"elapsed", elapsed)
	return stdout, stderr, exitCode, nil
}

func (d *Driver) containerArgs() []string {
	args := []string{"run", "--rm",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"--cpus", fmt.Sprintf("%.2f", float64(d.config.CPUMillis)/1000.0),
		"--memory", fmt.Sprintf("%dm", d.config.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", d.config.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", d.config.PidsLimit),
		"--ulimit", "nofile=1024:1024",
	}
	if !d.config.Network {
		args = append(args, "--network", "none")
	}
	if d.config.Workspace != "" && d.config.Access != WorkspaceNone {
		mode := "ro"
		if d.config.Access == WorkspaceReadWrite {
			mode = "rw"
		}
		args = append(args,
			"-v", fmt.Sprintf("%s:/workspace:%s", d.config.Workspace, mode),
			"-w", "/workspace")
	}
	return args
}

func runHostCommand(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	return stdout.String(), stderr.String(), exitCode, err
}
