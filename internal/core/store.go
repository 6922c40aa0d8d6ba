package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed submission ledger. It records what was submitted
// where, for audit and the `aser jobs` listing; completion tracking never
// reads from it.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Submission is one recorded job submission.
type Submission struct {
	ID          int64
	Name        string
	Backend     string
	JobID       string
	Script      string
	SubmittedAt time.Time
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// RecordSubmission appends one submission to the ledger.
func (s *Store) RecordSubmission(ctx context.Context, sub Submission) error {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (name, backend, job_id, script, submitted_at) VALUES (?, ?, ?, ?, ?)`,
		sub.Name, sub.Backend, sub.JobID, sub.Script, sub.SubmittedAt)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// ListSubmissions returns the ledger, newest first.
func (s *Store) ListSubmissions(ctx context.Context) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, backend, job_id, script, submitted_at FROM submissions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var subs []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Backend, &sub.JobID, &sub.Script, &sub.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }
