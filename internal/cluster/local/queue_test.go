package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MikeDacre/ASEr/internal/cluster"
)

func TestBuildScriptContent(t *testing.T) {
	dir := t.TempDir()
	q := New(1)
	art, err := q.Build(cluster.JobSpec{Name: "job1", Command: "echo hi", Dir: dir})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if art.Path != filepath.Join(dir, "job1.cluster") {
		t.Errorf("unexpected artifact path %q", art.Path)
	}
	content, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	want := fmt.Sprintf(`#!/bin/bash
cd %s
date +'%%d-%%H:%%M:%%S'
echo "Running job1"
echo hi
exitcode=$?
echo Done
date +'%%d-%%H:%%M:%%S'
if [[ $exitcode != 0 ]]; then
    echo Exited with code: $exitcode >&2
fi
`, dir)
	if string(content) != want {
		t.Errorf("script content mismatch\nwant:\n%s\ngot:\n%s", want, content)
	}
}

func TestBuildIgnoresModules(t *testing.T) {
	dir := t.TempDir()
	q := New(1)
	art, err := q.Build(cluster.JobSpec{Name: "job1", Command: "true", Dir: dir, Modules: []string{"samtools"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	content, _ := os.ReadFile(art.Path)
	if strings.Contains(string(content), "module load") {
		t.Error("local script should not load environment modules")
	}
}

func TestSubmitRunsJob(t *testing.T) {
	dir := t.TempDir()
	q := New(2)
	art, err := q.Build(cluster.JobSpec{Name: "job1", Command: "echo hi", Dir: dir})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h, err := q.Submit(context.Background(), art, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.Backend() != cluster.Local || h.ID() == "" {
		t.Errorf("unexpected handle %s/%s", h.Backend(), h.ID())
	}
	if err := q.Wait(context.Background(), []cluster.Handle{h}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := h.(*Job).Err(); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	out, err := os.ReadFile(filepath.Join(dir, "job1.cluster.out"))
	if err != nil {
		t.Fatalf("read stdout file: %v", err)
	}
	for _, want := range []string{"Running job1", "hi", "Done"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("stdout file missing %q:\n%s", want, out)
		}
	}
}

func TestFailedCommandWritesNotice(t *testing.T) {
	dir := t.TempDir()
	q := New(1)
	art, err := q.Build(cluster.JobSpec{Name: "job2", Command: "false", Dir: dir})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h, err := q.Submit(context.Background(), art, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.Wait(context.Background(), []cluster.Handle{h}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// The script itself exits 0; the failure is reported on stderr.
	if err := h.(*Job).Err(); err != nil {
		t.Fatalf("script run failed: %v", err)
	}
	errOut, err := os.ReadFile(filepath.Join(dir, "job2.cluster.err"))
	if err != nil {
		t.Fatalf("read stderr file: %v", err)
	}
	if !strings.Contains(string(errOut), "Exited with code: 1") {
		t.Errorf("stderr file missing exit notice:\n%s", errOut)
	}
}

func TestDependencyOrdering(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "order.txt")
	q := New(4)
	first, err := q.Build(cluster.JobSpec{Name: "first", Command: fmt.Sprintf("sleep 0.05; printf a >> %s", marker), Dir: dir})
	if err != nil {
		t.Fatalf("build first: %v", err)
	}
	second, err := q.Build(cluster.JobSpec{Name: "second", Command: fmt.Sprintf("printf b >> %s", marker), Dir: dir})
	if err != nil {
		t.Fatalf("build second: %v", err)
	}
	h1, err := q.Submit(context.Background(), first, nil)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	h2, err := q.Submit(context.Background(), second, []cluster.Handle{h1})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := q.Wait(context.Background(), []cluster.Handle{h1, h2}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	content, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if string(content) != "ab" {
		t.Errorf("expected dependency to run second, marker is %q", content)
	}
}

func TestDependencyWaitDoesNotHoldWorker(t *testing.T) {
	dir := t.TempDir()
	release := filepath.Join(dir, "release")
	q := New(2)

	// One worker is pinned until the release file appears.
	blockArt, err := q.Build(cluster.JobSpec{
		Name:    "gatekeeper",
		Command: fmt.Sprintf("while [ ! -e %s ]; do sleep 0.01; done", release),
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("build gatekeeper: %v", err)
	}
	blocker, err := q.Submit(context.Background(), blockArt, nil)
	if err != nil {
		t.Fatalf("submit gatekeeper: %v", err)
	}

	depArt, err := q.Build(cluster.JobSpec{Name: "follower", Command: "true", Dir: dir})
	if err != nil {
		t.Fatalf("build follower: %v", err)
	}
	dependent, err := q.Submit(context.Background(), depArt, []cluster.Handle{blocker})
	if err != nil {
		t.Fatalf("submit follower: %v", err)
	}

	indArt, err := q.Build(cluster.JobSpec{Name: "bystander", Command: "true", Dir: dir})
	if err != nil {
		t.Fatalf("build bystander: %v", err)
	}
	independent, err := q.Submit(context.Background(), indArt, nil)
	if err != nil {
		t.Fatalf("submit bystander: %v", err)
	}

	// The dependent job must not park on the second worker slot while it
	// waits for the gatekeeper; the independent job needs that slot now.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.Wait(ctx, []cluster.Handle{independent}); err != nil {
		t.Fatalf("independent job starved behind a waiting dependent: %v", err)
	}

	if err := os.WriteFile(release, nil, 0o644); err != nil {
		t.Fatalf("write release file: %v", err)
	}
	if err := q.Wait(context.Background(), []cluster.Handle{blocker, dependent}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := dependent.(*Job).Err(); err != nil {
		t.Fatalf("dependent job failed: %v", err)
	}
}

func TestFailedDependencySkipsJob(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran.txt")
	q := New(2)

	failArt, err := q.Build(cluster.JobSpec{Name: "broken", Command: "exit 3", Dir: dir})
	if err != nil {
		t.Fatalf("build broken: %v", err)
	}
	failed, err := q.Submit(context.Background(), failArt, nil)
	if err != nil {
		t.Fatalf("submit broken: %v", err)
	}

	depArt, err := q.Build(cluster.JobSpec{Name: "downstream", Command: fmt.Sprintf("touch %s", marker), Dir: dir})
	if err != nil {
		t.Fatalf("build downstream: %v", err)
	}
	dependent, err := q.Submit(context.Background(), depArt, []cluster.Handle{failed})
	if err != nil {
		t.Fatalf("submit downstream: %v", err)
	}

	if err := q.Wait(context.Background(), []cluster.Handle{failed, dependent}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	err = dependent.(*Job).Err()
	if err == nil || !strings.Contains(err.Error(), "dependency") {
		t.Fatalf("expected dependency failure, got %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("downstream command ran despite its dependency failing")
	}
}

type foreignHandle struct{}

func (foreignHandle) Backend() cluster.Backend { return cluster.Slurm }
func (foreignHandle) ID() string               { return "1234" }

func TestForeignHandleRejected(t *testing.T) {
	q := New(1)
	var ce cluster.ConfigError
	err := q.Wait(context.Background(), []cluster.Handle{foreignHandle{}})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	_, err = q.Submit(context.Background(), &cluster.Artifact{Name: "x", Dir: "."}, []cluster.Handle{foreignHandle{}})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for foreign dependency, got %v", err)
	}
}

func TestCleanSuffixes(t *testing.T) {
	dir := t.TempDir()
	keep := "job.cluster.sbatch"
	for _, name := range []string{"job.cluster", "job.cluster.out", "job.cluster.err", keep} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	q := New(1)
	deleted, err := q.Clean(dir)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("expected 3 deletions, got %v", deleted)
	}
	if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
		t.Errorf("local clean must not delete %s", keep)
	}
}
