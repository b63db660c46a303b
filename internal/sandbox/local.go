package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Local runs commands directly on the host with no isolation. It exists
// for trusted single-user deployments where the operator has disabled
// containerized execution.
type Local struct {
	// Dir is the working directory for commands. Empty means inherit.
	Dir string

	// DefaultTimeout bounds commands that arrive without one.
	DefaultTimeout time.Duration
}

// Run executes command under `sh -c` on the host.
func (l *Local) Run(ctx context.Context, command string, timeout time.Duration) (string, string, int, error) {
	if timeout <= 0 {
		timeout = l.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = l.Dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}
