// Package archive keeps terminal jobs after they leave coordinator memory.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/stealq/pkg/types"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for ids that were never archived.
var ErrNotFound = errors.New("archive: job not found")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           INTEGER PRIMARY KEY,
	status       TEXT NOT NULL,
	label        TEXT NOT NULL DEFAULT '',
	worker_id    TEXT NOT NULL DEFAULT '',
	exit_code    INTEGER NOT NULL DEFAULT 0,
	submitted_at INTEGER NOT NULL DEFAULT 0,
	finished_at  INTEGER NOT NULL DEFAULT 0,
	record       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
`

// Store is a SQLite-backed archive of terminal jobs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive at path. Use ":memory:" in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "archive")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a job record. Only terminal jobs are accepted.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	return s.PutAll(ctx, []*types.Job{job})
}

// PutAll upserts jobs in a single transaction. Nothing is written if any
// job is rejected.
func (s *Store) PutAll(ctx context.Context, jobs []*types.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if err := s.upsert(ctx, tx, job); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d jobs: %w", len(jobs), err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, job *types.Job) error {
	if job == nil {
		return errors.New("archive: nil job")
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("archive: job %d is %s, not terminal", job.ID, job.Status)
	}
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", job.ID)

	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %d: %w", job.ID, err)
	}
	exitCode := 0
	if job.Result != nil {
		exitCode = job.Result.ExitCode
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (id, status, label, worker_id, exit_code, submitted_at, finished_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(job.ID), string(job.Status), job.Spec.Label, job.WorkerID, exitCode,
		job.SubmittedAt, job.FinishedAt, string(record),
	)
	if err != nil {
		return fmt.Errorf("insert job %d: %w", job.ID, err)
	}
	return nil
}

// Get returns an archived job or ErrNotFound.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, int64(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %d: %w", id, err)
	}
	return decode(record)
}

// ListOptions filters List.
type ListOptions struct {
	Status types.JobStatus // empty means any
	Limit  int             // 0 means no limit
}

// List returns archived jobs, most recently finished first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*types.Job, error) {
	query := `SELECT record FROM jobs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY finished_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		job, err := decode(record)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Count returns the number of archived jobs.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}

func decode(record string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, fmt.Errorf("unmarshal archived job: %w", err)
	}
	return &job, nil
}
