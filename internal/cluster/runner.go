package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes scheduler tools (sbatch, qsub, squeue, qstat). The default
// ExecRunner runs them on the current host; internal/ssh provides a runner
// that targets a remote submission host.
type Runner interface {
	// Output runs a tool and returns its stdout. A non-zero exit is
	// reported as an error carrying the tool's stderr.
	Output(ctx context.Context, name string, args ...string) (string, error)

	// LookPath reports where a tool is installed, or an error if it is not.
	LookPath(name string) (string, error)
}

// ExecRunner runs scheduler tools via os/exec on the local host.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
