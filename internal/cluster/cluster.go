// Package cluster provides a uniform job submission and monitoring layer over
// a local worker pool and the Slurm and PBS/Torque batch schedulers.
//
// Every file a queue creates is named <name>.cluster* so that Clean can
// remove job artifacts without touching unrelated files. Irrespective of
// backend, job stdout goes to <name>.cluster.out and stderr to
// <name>.cluster.err.
package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend identifies one of the supported execution backends.
type Backend string

const (
	Local  Backend = "local"
	Slurm  Backend = "slurm"
	Torque Backend = "torque"
)

// ParseBackend validates a backend name from config or a flag.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case Local, Slurm, Torque:
		return Backend(s), nil
	}
	return "", ConfigError{Field: "backend", Value: s, Message: "must be local, slurm, or torque"}
}

// Artifact file suffixes. Clean only ever deletes files carrying one of these.
const (
	SuffixLocal  = ".cluster"
	SuffixOut    = ".cluster.out"
	SuffixErr    = ".cluster.err"
	SuffixQsub   = ".cluster.qsub"
	SuffixSbatch = ".cluster.sbatch"
	SuffixScript = ".cluster.script"
)

// JobSpec describes one command to run. Name is required and drives all
// artifact file names. Time, MemMB, Partition and Modules only apply to the
// scheduler backends.
type JobSpec struct {
	Name      string
	Command   string
	Time      string // walltime as HH:MM:SS
	Cores     int    // defaults to 1
	MemMB     int
	Partition string
	Modules   []string
	Dir       string // defaults to the current directory
}

// Normalize applies defaults and validates required fields.
func (s JobSpec) Normalize() (JobSpec, error) {
	if s.Name == "" {
		return s, ConfigError{Field: "name", Message: "job name is required"}
	}
	if s.Command == "" {
		return s, ConfigError{Field: "command", Value: s.Name, Message: "job command is required"}
	}
	if s.Cores < 1 {
		s.Cores = 1
	}
	if s.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return s, fmt.Errorf("resolve working directory: %w", err)
		}
		s.Dir = wd
	}
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return s, fmt.Errorf("resolve job directory: %w", err)
	}
	s.Dir = dir
	return s, nil
}

// Artifact is a rendered job script on disk. Path is the file handed to the
// submission tool; Companion is the secondary script Slurm launches via srun
// and is empty for the other backends.
type Artifact struct {
	Backend   Backend
	Name      string
	Dir       string
	Path      string
	Companion string
}

// ArtifactFromScript wraps an already rendered job script so it can be
// submitted without rebuilding, inferring the backend from the file suffix.
// For Slurm scripts the companion is picked up when it exists next to the
// sbatch file.
func ArtifactFromScript(path string) (*Artifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve script path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	dir := filepath.Dir(abs)
	base := filepath.Base(abs)
	switch {
	case strings.HasSuffix(base, SuffixSbatch):
		name := strings.TrimSuffix(base, SuffixSbatch)
		art := &Artifact{Backend: Slurm, Name: name, Dir: dir, Path: abs}
		companion := filepath.Join(dir, name+SuffixScript)
		if _, err := os.Stat(companion); err == nil {
			art.Companion = companion
		}
		return art, nil
	case strings.HasSuffix(base, SuffixQsub):
		return &Artifact{Backend: Torque, Name: strings.TrimSuffix(base, SuffixQsub), Dir: dir, Path: abs}, nil
	case strings.HasSuffix(base, SuffixLocal):
		return &Artifact{Backend: Local, Name: strings.TrimSuffix(base, SuffixLocal), Dir: dir, Path: abs}, nil
	}
	return nil, ConfigError{
		Field:   "script",
		Value:   path,
		Message: "not a job script (.cluster, .cluster.qsub, or .cluster.sbatch)",
	}
}

// OutFile returns the path jobs write stdout to.
func (a *Artifact) OutFile() string { return filepath.Join(a.Dir, a.Name+SuffixOut) }

// ErrFile returns the path jobs write stderr to.
func (a *Artifact) ErrFile() string { return filepath.Join(a.Dir, a.Name+SuffixErr) }

// Handle identifies a submitted job. Scheduler backends use the numeric job
// ID assigned by the tool; the local backend uses an in-process reference.
// Handles are never valid across backends.
type Handle interface {
	Backend() Backend
	ID() string
}

// Queue is the per-backend contract. Exactly one Queue is selected per run,
// normally via Detect, and threaded through all calls.
type Queue interface {
	Backend() Backend

	// Build renders the job script(s) for spec, overwriting existing files
	// of the same name, and returns the submittable artifact.
	Build(spec JobSpec) (*Artifact, error)

	// Submit hands the artifact to the backend. Dependency handles must
	// belong to the same backend; jobs only start once every dependency
	// finished successfully (afterok semantics).
	Submit(ctx context.Context, art *Artifact, deps []Handle) (Handle, error)

	// Wait blocks until every handle reached a terminal state. It returns
	// only once all are terminal, not as each completes.
	Wait(ctx context.Context, handles []Handle) error

	// Clean deletes job artifacts in dir matching this backend's suffix
	// set and returns the deleted file names. It never recurses.
	Clean(dir string) ([]string, error)
}

// Run builds and submits spec in one step.
func Run(ctx context.Context, q Queue, spec JobSpec, deps []Handle) (Handle, error) {
	art, err := q.Build(spec)
	if err != nil {
		return nil, err
	}
	return q.Submit(ctx, art, deps)
}
