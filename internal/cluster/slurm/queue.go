// Package slurm submits jobs through sbatch and tracks them with squeue.
package slurm

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MikeDacre/ASEr/internal/cluster"
)

// JobID is the numeric identifier sbatch assigns to a job.
type JobID string

func (j JobID) Backend() cluster.Backend { return cluster.Slurm }

func (j JobID) ID() string { return string(j) }

// Queue drives a Slurm scheduler through its command line tools. Fields are
// exported so callers and tests can tune the polling cadence; New fills in
// the defaults observed on real clusters.
type Queue struct {
	Runner cluster.Runner
	Retry  cluster.RetryPolicy

	// InitialDelay gives sbatch time to enqueue the job before the first
	// squeue query; PollInterval paces the queries after that.
	InitialDelay time.Duration
	PollInterval time.Duration
	Sleep        func(time.Duration)
}

func New(r cluster.Runner) *Queue {
	return &Queue{
		Runner:       r,
		Retry:        cluster.DefaultRetryPolicy(),
		InitialDelay: 2 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

func (q *Queue) Backend() cluster.Backend { return cluster.Slurm }

// Build writes two files: <name>.cluster.sbatch carrying the directives and
// an srun launch line, and the companion <name>.cluster.script carrying the
// scratch setup plus the shared pre/command/post-amble.
func (q *Queue) Build(spec cluster.JobSpec) (*cluster.Artifact, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	art := &cluster.Artifact{
		Backend:   cluster.Slurm,
		Name:      spec.Name,
		Dir:       spec.Dir,
		Path:      filepath.Join(spec.Dir, spec.Name+cluster.SuffixSbatch),
		Companion: filepath.Join(spec.Dir, spec.Name+cluster.SuffixScript),
	}

	var directives strings.Builder
	if spec.Partition != "" {
		fmt.Fprintf(&directives, "#SBATCH -p %s\n", spec.Partition)
	}
	directives.WriteString("#SBATCH --ntasks 1\n")
	fmt.Fprintf(&directives, "#SBATCH --cpus-per-task %d\n", spec.Cores)
	if spec.Time != "" {
		fmt.Fprintf(&directives, "#SBATCH --time=%s\n", spec.Time)
	}
	if spec.MemMB > 0 {
		fmt.Fprintf(&directives, "#SBATCH --mem=%d\n", spec.MemMB)
	}
	fmt.Fprintf(&directives, "#SBATCH -o %s\n", spec.Name+cluster.SuffixOut)
	fmt.Fprintf(&directives, "#SBATCH -e %s\n", spec.Name+cluster.SuffixErr)

	err = cluster.WriteScript(art.Path,
		cluster.Shebang,
		directives.String(),
		fmt.Sprintf("cd %s\n", spec.Dir),
		fmt.Sprintf("srun bash %s\n", art.Companion),
	)
	if err != nil {
		return nil, err
	}
	err = cluster.WriteScript(art.Companion,
		cluster.Shebang,
		cluster.ScratchSetup,
		cluster.Preamble(spec.Dir, spec.Name, spec.Modules),
		spec.Command+"\n",
		cluster.Postamble,
	)
	if err != nil {
		return nil, err
	}
	return art, nil
}

// Submit invokes sbatch, encoding dependencies as a single
// --dependency=afterok:<id>:<id> flag, and parses the job ID from the last
// whitespace-delimited token of the tool's output. Only non-zero tool exits
// are retried; unparseable output from a successful invocation is a defect
// and propagates immediately.
func (q *Queue) Submit(ctx context.Context, art *cluster.Artifact, deps []cluster.Handle) (cluster.Handle, error) {
	ids, err := toIDs(deps)
	if err != nil {
		return nil, err
	}
	var args []string
	if len(ids) > 0 {
		args = append(args, "--dependency=afterok:"+strings.Join(ids, ":"))
	}
	args = append(args, art.Path)

	var out string
	err = q.Retry.Do(ctx, func() error {
		o, err := q.Runner.Output(ctx, "sbatch", args...)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, cluster.SubmissionError{Backend: cluster.Slurm, Tool: "sbatch", Attempts: q.Retry.MaxAttempts, Err: err}
	}

	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return nil, fmt.Errorf("sbatch: empty output for %s", art.Path)
	}
	id := fields[len(fields)-1]
	if _, err := strconv.Atoi(id); err != nil {
		return nil, fmt.Errorf("sbatch: unexpected output %q: job id %q is not numeric", strings.TrimSpace(out), id)
	}
	log.Debug().Str("job_id", id).Str("script", art.Path).Msg("sbatch accepted job")
	return JobID(id), nil
}

// Wait polls squeue until every handle is terminal. A job is terminal once
// squeue reports it completed (CD), failed (F), or stops listing it at all;
// finished jobs drop out of squeue quickly, so absence counts as done here.
func (q *Queue) Wait(ctx context.Context, handles []cluster.Handle) error {
	pending, err := toIDSet(handles)
	if err != nil {
		return err
	}
	q.sleep(q.InitialDelay)
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := q.Runner.Output(ctx, "squeue", "-h", "-o", "%A,%t")
		if err != nil {
			return fmt.Errorf("squeue: %w", err)
		}
		states := parseSqueue(out)
		for id := range pending {
			state, listed := states[id]
			if !listed || state == "CD" || state == "F" {
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		q.sleep(q.PollInterval)
	}
	return nil
}

// Clean removes the sbatch file, the companion script and the output files.
func (q *Queue) Clean(dir string) ([]string, error) {
	return cluster.CleanDir(dir, []string{
		cluster.SuffixErr, cluster.SuffixOut, cluster.SuffixSbatch, cluster.SuffixScript,
	})
}

func (q *Queue) sleep(d time.Duration) {
	if q.Sleep != nil {
		q.Sleep(d)
		return
	}
	time.Sleep(d)
}

// parseSqueue reads the compact "<id>,<state>" listing produced by
// squeue -h -o %A,%t.
func parseSqueue(out string) map[string]string {
	states := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "'")
		if line == "" {
			continue
		}
		id, state, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		states[id] = state
	}
	return states
}

func toIDs(handles []cluster.Handle) ([]string, error) {
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		j, ok := h.(JobID)
		if !ok {
			return nil, cluster.ConfigError{
				Backend: cluster.Slurm,
				Field:   "job",
				Value:   h.ID(),
				Message: fmt.Sprintf("handle belongs to the %s backend", h.Backend()),
			}
		}
		ids = append(ids, string(j))
	}
	return ids, nil
}

func toIDSet(handles []cluster.Handle) (map[string]struct{}, error) {
	ids, err := toIDs(handles)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
