// Package journal keeps a local SQLite record of every job this agent
// has executed: one terminal row per job plus an append-only event
// trail. The queue is the source of truth for scheduling; the journal
// answers "what happened on this machine" after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/crucible/internal/log"
)

// DefaultRetention bounds how long terminal records are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ErrNotFound reports a job id with no journal row.
var ErrNotFound = errors.New("journal: job not found")

// Entry is the terminal record for one executed job.
type Entry struct {
	JobID           string
	TaskID          string
	Kind            string
	RepoPath        string
	Status          string
	FailureCategory string
	WorkspacePath   string
	Branch          string
	CommitCount     int
	ExitCode        int
	DurationMS      int64
	FinalText       string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Event is one lifecycle row.
type Event struct {
	Seq     int64
	JobID   string
	Type    string
	Message string
	At      time.Time
}

// Journal wraps the SQLite store.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, logger: log.WithComponent("journal")}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_history (
  id               TEXT PRIMARY KEY,
  task_id          TEXT,
  kind             TEXT NOT NULL,
  repo_path        TEXT NOT NULL,
  status           TEXT NOT NULL,
  failure_category TEXT,
  workspace_path   TEXT,
  branch           TEXT,
  commit_count     INTEGER NOT NULL DEFAULT 0,
  exit_code        INTEGER NOT NULL DEFAULT 0,
  duration_ms      INTEGER NOT NULL DEFAULT 0,
  final_text       TEXT,
  started_at       TEXT NOT NULL,
  finished_at      TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_event (
  seq     INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id  TEXT NOT NULL,
  type    TEXT NOT NULL,
  message TEXT,
  at      TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS job_history_finished_at_idx ON job_history(finished_at);`,
		`CREATE INDEX IF NOT EXISTS job_event_job_id_idx ON job_event(job_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// RecordEvent appends one lifecycle row for the job.
func (j *Journal) RecordEvent(ctx context.Context, jobID, eventType, message string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO job_event(job_id, type, message, at) VALUES(?, ?, ?, ?);
`, jobID, eventType, message, now)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// RecordExecution stores the terminal record. A re-run of the same job id
// replaces the previous row; the event trail keeps both runs.
func (j *Journal) RecordExecution(ctx context.Context, e Entry) error {
	if e.JobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if e.Status == "" {
		return fmt.Errorf("status is empty")
	}

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO job_history(
  id, task_id, kind, repo_path, status, failure_category, workspace_path,
  branch, commit_count, exit_code, duration_ms, final_text, started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		e.JobID, e.TaskID, e.Kind, e.RepoPath, e.Status, e.FailureCategory,
		e.WorkspacePath, e.Branch, e.CommitCount, e.ExitCode, e.DurationMS,
		e.FinalText,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

const entryColumns = `
  id, task_id, kind, repo_path, status, failure_category, workspace_path,
  branch, commit_count, exit_code, duration_ms, final_text, started_at, finished_at`

// Recent returns terminal records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT`+entryColumns+`
FROM job_history
ORDER BY finished_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	return entries, nil
}

// Get returns the terminal record for a job, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, jobID string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT`+entryColumns+`
FROM job_history
WHERE id = ?;
`, jobID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Events returns the lifecycle trail for a job in insertion order.
func (j *Journal) Events(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT seq, job_id, type, message, at
FROM job_event
WHERE job_id = ?
ORDER BY seq ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			message sql.NullString
			atS     string
		)
		if err := rows.Scan(&ev.Seq, &ev.JobID, &ev.Type, &message, &atS); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if message.Valid {
			ev.Message = message.String
		}
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			ev.At = t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return events, nil
}

// Sweep deletes terminal records and events older than the retention
// window. Returns how many rows went away.
func (j *Journal) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	var total int64
	res, err := j.db.ExecContext(ctx, `DELETE FROM job_history WHERE finished_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep job_history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = j.db.ExecContext(ctx, `DELETE FROM job_event WHERE at < ?;`, cutoff)
	if err != nil {
		return total, fmt.Errorf("sweep job_event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	if total > 0 {
		j.logger.Info("journal sweep removed rows",
			slog.Int64("rows", total), slog.Duration("retention", retention))
	}
	return total, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e         Entry
		taskID    sql.NullString
		failCat   sql.NullString
		wsPath    sql.NullString
		branch    sql.NullString
		finalText sql.NullString
		startedS  string
		finishedS string
	)
	err := s.Scan(
		&e.JobID, &taskID, &e.Kind, &e.RepoPath, &e.Status, &failCat, &wsPath,
		&branch, &e.CommitCount, &e.ExitCode, &e.DurationMS, &finalText,
		&startedS, &finishedS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan job history row: %w", err)
	}

	e.TaskID = taskID.String
	e.FailureCategory = failCat.String
	e.WorkspacePath = wsPath.String
	e.Branch = branch.String
	e.FinalText = finalText.String
	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, finishedS); err == nil {
		e.FinishedAt = t
	}
	return e, nil
}
