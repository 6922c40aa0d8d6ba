// Package torque submits jobs through qsub and tracks them with qstat.
package torque

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MikeDacre/ASEr/internal/cluster"
)

// JobID is the numeric identifier qsub assigns to a job (the part before the
// first dot of the full "<id>.<server>" form).
type JobID string

func (j JobID) Backend() cluster.Backend { return cluster.Torque }

func (j JobID) ID() string { return string(j) }

// qstat -a layout: the column header sits at this line, data rows follow
// after one separator line, and the state is the tenth field.
const (
	qstatHeaderLine = 3
	qstatFirstRow   = 5
	qstatStateField = 9
)

var qstatHeaderSplit = regexp.MustCompile(` {2,}`)

// Queue drives a PBS/Torque scheduler through its command line tools.
type Queue struct {
	Runner cluster.Runner
	Retry  cluster.RetryPolicy

	// InitialDelay gives qsub time to enqueue the job before the first
	// qstat query; Torque is noticeably slower to list fresh jobs than
	// Slurm, hence the longer default.
	InitialDelay time.Duration
	PollInterval time.Duration
	Sleep        func(time.Duration)
}

func New(r cluster.Runner) *Queue {
	return &Queue{
		Runner:       r,
		Retry:        cluster.DefaultRetryPolicy(),
		InitialDelay: 5 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

func (q *Queue) Backend() cluster.Backend { return cluster.Torque }

// Build writes <name>.cluster.qsub: the PBS directives, scratch setup, and
// the shared pre/command/post-amble in one file.
func (q *Queue) Build(spec cluster.JobSpec) (*cluster.Artifact, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	art := &cluster.Artifact{
		Backend: cluster.Torque,
		Name:    spec.Name,
		Dir:     spec.Dir,
		Path:    filepath.Join(spec.Dir, spec.Name+cluster.SuffixQsub),
	}

	var directives strings.Builder
	if spec.Partition != "" {
		fmt.Fprintf(&directives, "#PBS -q %s\n", spec.Partition)
	}
	fmt.Fprintf(&directives, "#PBS -l nodes=1:ppn=%d\n", spec.Cores)
	if spec.Time != "" {
		fmt.Fprintf(&directives, "#PBS -l walltime=%s\n", spec.Time)
	}
	if spec.MemMB > 0 {
		fmt.Fprintf(&directives, "#PBS -l mem=%dmb\n", spec.MemMB)
	}
	fmt.Fprintf(&directives, "#PBS -o %s\n", spec.Name+cluster.SuffixOut)
	fmt.Fprintf(&directives, "#PBS -e %s\n\n", spec.Name+cluster.SuffixErr)

	err = cluster.WriteScript(art.Path,
		cluster.Shebang,
		directives.String(),
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

// Submit invokes qsub, encoding dependencies as a single
// "-W depend=afterok:<id>,afterok:<id>" clause, and parses the job ID from
// the first dot-delimited token of the tool's output. Only non-zero tool
// exits are retried.
func (q *Queue) Submit(ctx context.Context, art *cluster.Artifact, deps []cluster.Handle) (cluster.Handle, error) {
	ids, err := toIDs(deps)
	if err != nil {
		return nil, err
	}
	var args []string
	if len(ids) > 0 {
		clauses := make([]string, len(ids))
		for i, id := range ids {
			clauses[i] = "afterok:" + id
		}
		args = append(args, "-W", "depend="+strings.Join(clauses, ","))
	}
	args = append(args, art.Path)

	var out string
	err = q.Retry.Do(ctx, func() error {
		o, err := q.Runner.Output(ctx, "qsub", args...)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, cluster.SubmissionError{Backend: cluster.Torque, Tool: "qsub", Attempts: q.Retry.MaxAttempts, Err: err}
	}

	id, _, _ := strings.Cut(strings.TrimSpace(out), ".")
	if _, err := strconv.Atoi(id); err != nil {
		return nil, fmt.Errorf("qsub: unexpected output %q: job id %q is not numeric", strings.TrimSpace(out), id)
	}
	log.Debug().Str("job_id", id).Str("script", art.Path).Msg("qsub accepted job")
	return JobID(id), nil
}

// Wait polls qstat -a until every handle is terminal. Only an explicit
// completed state ("C") removes a job from the tracked set; a job missing
// from the listing stays tracked, since Torque keeps finished jobs listed
// and absence says nothing definitive.
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
		out, err := q.Runner.Output(ctx, "qstat", "-a")
		if err != nil {
			return fmt.Errorf("qstat: %w", err)
		}
		states, err := parseQstat(out)
		if err != nil {
			return err
		}
		for id := range pending {
			if states[id] == "C" {
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

// Clean removes the qsub file and the output files.
func (q *Queue) Clean(dir string) ([]string, error) {
	return cluster.CleanDir(dir, []string{cluster.SuffixErr, cluster.SuffixOut, cluster.SuffixQsub})
}

func (q *Queue) sleep(d time.Duration) {
	if q.Sleep != nil {
		q.Sleep(d)
		return
	}
	time.Sleep(d)
}

// parseQstat reads the fixed-width qstat -a table and returns job states
// keyed by the numeric job ID. Empty output means nothing is listed; a
// present table with an unexpected header is a fatal ConfigError.
func parseQstat(out string) (map[string]string, error) {
	states := map[string]string{}
	trimmed := strings.TrimRight(out, "\n")
	if trimmed == "" {
		return states, nil
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= qstatHeaderLine {
		return nil, cluster.ConfigError{
			Backend: cluster.Torque,
			Field:   "qstat",
			Message: fmt.Sprintf("status table has %d lines, header expected at line %d", len(lines), qstatHeaderLine+1),
		}
	}
	header := qstatHeaderSplit.Split(lines[qstatHeaderLine], -1)
	if len(header) <= qstatStateField || header[qstatStateField] != "S" {
		return nil, cluster.ConfigError{
			Backend: cluster.Torque,
			Field:   "qstat",
			Value:   lines[qstatHeaderLine],
			Message: "unrecognized status table header",
		}
	}
	if len(lines) <= qstatFirstRow {
		return states, nil
	}
	for _, row := range lines[qstatFirstRow:] {
		fields := strings.Fields(row)
		if len(fields) <= qstatStateField {
			continue
		}
		id, _, _ := strings.Cut(fields[0], ".")
		states[id] = fields[qstatStateField]
	}
	return states, nil
}

func toIDs(handles []cluster.Handle) ([]string, error) {
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		j, ok := h.(JobID)
		if !ok {
			return nil, cluster.ConfigError{
				Backend: cluster.Torque,
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
