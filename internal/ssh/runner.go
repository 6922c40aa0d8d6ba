package ssh

import (
	"context"
	"fmt"
	"strings"
)

// Runner invokes scheduler tools on the remote submission host. It satisfies
// the cluster.Runner contract so queues work unchanged whether sbatch runs
// here or on a login node.
type Runner struct {
	Client *Client
}

func (r *Runner) Output(ctx context.Context, name string, args ...string) (string, error) {
	stdout, stderr, err := r.Client.RunCommand(ctx, shellJoin(name, args))
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg != "" {
			return "", fmt.Errorf("remote %s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("remote %s: %w", name, err)
	}
	return stdout, nil
}

func (r *Runner) LookPath(name string) (string, error) {
	stdout, _, err := r.Client.RunCommand(context.Background(), "command -v "+shellQuote(name))
	if err != nil {
		return "", fmt.Errorf("%s not found on %s: %w", name, r.Client.Addr, err)
	}
	path := strings.TrimSpace(stdout)
	if path == "" {
		return "", fmt.Errorf("%s not found on %s", name, r.Client.Addr)
	}
	return path, nil
}

// shellJoin builds a remote command line with each argument single-quoted.
// Tool names come from a fixed internal set and are passed through as-is.
func shellJoin(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
