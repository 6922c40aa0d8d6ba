package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRecordAndList(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	subs := []Submission{
		{Name: "align", Backend: "slurm", JobID: "100", Script: "/data/align.cluster.sbatch"},
		{Name: "count", Backend: "torque", JobID: "12345", Script: "/data/count.cluster.qsub"},
	}
	for _, sub := range subs {
		if err := store.RecordSubmission(ctx, sub); err != nil {
			t.Fatalf("record %s: %v", sub.Name, err)
		}
	}

	got, err := store.ListSubmissions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(got))
	}
	// Newest first.
	if got[0].Name != "count" || got[1].Name != "align" {
		t.Errorf("unexpected order: %s, %s", got[0].Name, got[1].Name)
	}
	if got[0].Backend != "torque" || got[0].JobID != "12345" {
		t.Errorf("unexpected row %+v", got[0])
	}
	if got[0].SubmittedAt.IsZero() || time.Since(got[0].SubmittedAt) > time.Minute {
		t.Errorf("submitted_at not stamped: %v", got[0].SubmittedAt)
	}
	if got[0].ID <= got[1].ID {
		t.Errorf("ids should be monotonic, got %d then %d", got[0].ID, got[1].ID)
	}
}

func TestStoreMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	first, err := NewStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.RecordSubmission(context.Background(), Submission{Name: "a", Backend: "local", JobID: "x"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	first.Close()

	second, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer second.Close()
	got, err := second.ListSubmissions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected existing row to survive reopen, got %d rows", len(got))
	}
}
