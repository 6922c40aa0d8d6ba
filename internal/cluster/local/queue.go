// Package local executes jobs on the current host through a bounded worker
// pool. Scripts are still written to disk before execution so that local and
// scheduler runs leave the same artifacts behind.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/MikeDacre/ASEr/internal/cluster"
)

// Job is the handle for a locally executed command. It is only meaningful
// within the submitting process.
type Job struct {
	id   string
	done chan struct{}
	err  error
}

func (j *Job) Backend() cluster.Backend { return cluster.Local }

func (j *Job) ID() string { return j.id }

// Err reports the execution error, if any. It must only be called after the
// job is terminal.
func (j *Job) Err() error { return j.err }

// Queue runs jobs on the local worker pool.
type Queue struct {
	pool  *Pool
	stats Stats
}

// New creates the local queue with a pool of the given worker count
// (defaulting to all cores).
func New(workers int) *Queue {
	return &Queue{pool: NewPool(workers)}
}

func (q *Queue) Backend() cluster.Backend { return cluster.Local }

// Pool exposes the shared worker pool.
func (q *Queue) Pool() *Pool { return q.pool }

// Stats exposes execution counters for diagnostics.
func (q *Queue) Stats() *Stats { return &q.stats }

// Build writes <name>.cluster containing the shared pre-amble, the command
// and the post-amble. The module list is ignored locally.
func (q *Queue) Build(spec cluster.JobSpec) (*cluster.Artifact, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	art := &cluster.Artifact{
		Backend: cluster.Local,
		Name:    spec.Name,
		Dir:     spec.Dir,
		Path:    filepath.Join(spec.Dir, spec.Name+cluster.SuffixLocal),
	}
	err = cluster.WriteScript(art.Path,
		cluster.Shebang,
		cluster.Preamble(spec.Dir, spec.Name, nil),
		spec.Command+"\n",
		cluster.Postamble,
	)
	if err != nil {
		return nil, err
	}
	return art, nil
}

// Submit schedules the artifact on the pool and returns immediately. The job
// starts once a worker frees up and, mirroring afterok, only after every
// dependency finished without error.
func (q *Queue) Submit(ctx context.Context, art *cluster.Artifact, deps []cluster.Handle) (cluster.Handle, error) {
	depJobs, err := toJobs(deps)
	if err != nil {
		return nil, err
	}
	j := &Job{id: uuid.NewString(), done: make(chan struct{})}
	// Dependencies are waited on in the gate, outside any worker slot, so a
	// blocked job never occupies a worker another job could use.
	q.pool.Go(func() bool {
		for _, d := range depJobs {
			<-d.done
			if d.err != nil {
				j.err = fmt.Errorf("dependency %s failed: %w", d.id, d.err)
				q.stats.recordError()
				close(j.done)
				return false
			}
		}
		return true
	}, func() {
		defer close(j.done)
		start := time.Now()
		j.err = runScript(art)
		q.stats.recordJob(time.Since(start))
		if j.err != nil {
			q.stats.recordError()
			log.Warn().Err(j.err).Str("job", art.Name).Msg("local job failed")
		}
	})
	return j, nil
}

// Wait blocks on each job's completion signal in turn. Job failures do not
// fail the wait; they are reported through Job.Err.
func (q *Queue) Wait(ctx context.Context, handles []cluster.Handle) error {
	jobs, err := toJobs(handles)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Clean removes local job artifacts: the script plus the output files.
func (q *Queue) Clean(dir string) ([]string, error) {
	return cluster.CleanDir(dir, []string{cluster.SuffixErr, cluster.SuffixOut, cluster.SuffixLocal})
}

func toJobs(handles []cluster.Handle) ([]*Job, error) {
	jobs := make([]*Job, 0, len(handles))
	for _, h := range handles {
		j, ok := h.(*Job)
		if !ok {
			return nil, cluster.ConfigError{
				Backend: cluster.Local,
				Field:   "job",
				Value:   h.ID(),
				Message: fmt.Sprintf("handle belongs to the %s backend", h.Backend()),
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// runScript executes the artifact with bash, stdout and stderr redirected to
// the fixed .cluster.out / .cluster.err names. The script is deliberately
// run without the caller's context: once started a job is not cancellable.
func runScript(art *cluster.Artifact) error {
	stdout, err := os.Create(art.OutFile())
	if err != nil {
		return fmt.Errorf("create stdout file: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(art.ErrFile())
	if err != nil {
		return fmt.Errorf("create stderr file: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command("bash", art.Path)
	cmd.Dir = art.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", art.Path, err)
	}
	return nil
}
