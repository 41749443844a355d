// Package journal records runs and worker failures in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	workers INTEGER NOT NULL,
	threads INTEGER NOT NULL,
	desorption_limit INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	outcome TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	desorbed INTEGER NOT NULL DEFAULT 0,
	hits INTEGER NOT NULL DEFAULT 0,
	absorbed INTEGER NOT NULL DEFAULT 0,
	leaks INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS failures (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	pid INTEGER NOT NULL,
	code TEXT NOT NULL,
	state TEXT NOT NULL,
	status TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS failures_run ON failures(run_id);
`

// Outcomes written by RecordFinish.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Totals are the headline counters of a finished run.
type Totals struct {
	Desorbed uint64
	Hits     uint64
	Absorbed uint64
	Leaks    uint64
}

// Failure is one worker that did not converge.
type Failure struct {
	Ordinal int
	Pid     int
	Code    string
	State   string
	Status  string
}

// Run is a journal row.
type Run struct {
	RunID           string
	Workers         int
	Threads         int
	DesorptionLimit uint64
	StartedAt       time.Time
	FinishedAt      time.Time
	Outcome         string
	Error           string
	Totals          Totals
	Failures        []Failure
}

// Journal is a SQLite-backed run journal.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordStart inserts a run. Recording the same run twice restarts it.
func (j *Journal) RecordStart(ctx context.Context, runID string, workers, threads int, limit uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return errors.New("journal is not configured")
	}
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO runs (run_id, workers, threads, desorption_limit, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	workers = excluded.workers,
	threads = excluded.threads,
	desorption_limit = excluded.desorption_limit,
	started_at = excluded.started_at,
	finished_at = NULL,
	outcome = '',
	error = ''`,
		runID, workers, threads, int64(limit), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record start: %w", err)
	}
	return nil
}

// RecordFinish closes a run. A nil runErr marks it completed.
func (j *Journal) RecordFinish(ctx context.Context, runID string, totals Totals, runErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return errors.New("journal is not configured")
	}
	outcome, message := OutcomeCompleted, ""
	if runErr != nil {
		outcome, message = OutcomeFailed, runErr.Error()
	}
	res, err := j.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, outcome = ?, error = ?,
	desorbed = ?, hits = ?, absorbed = ?, leaks = ?
WHERE run_id = ?`,
		time.Now().UTC().UnixMilli(), outcome, message,
		int64(totals.Desorbed), int64(totals.Hits), int64(totals.Absorbed), int64(totals.Leaks),
		runID,
	)
	if err != nil {
		return fmt.Errorf("record finish: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record finish: run %q not started", runID)
	}
	return nil
}

// RecordFailures appends worker failures to a run.
func (j *Journal) RecordFailures(ctx context.Context, runID string, failures []Failure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return errors.New("journal is not configured")
	}
	if len(failures) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failures: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	for _, f := range failures {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO failures (run_id, ordinal, pid, code, state, status, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, f.Ordinal, f.Pid, f.Code, f.State, f.Status, now,
		); err != nil {
			return fmt.Errorf("record failure %d: %w", f.Ordinal, err)
		}
	}
	return tx.Commit()
}

// Runs returns the most recent runs first, with their failures.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j == nil || j.db == nil {
		return nil, errors.New("journal is not configured")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT run_id, workers, threads, desorption_limit, started_at, finished_at,
	outcome, error, desorbed, hits, absorbed, leaks
FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                               Run
			limitVal, started               int64
			finished                        sql.NullInt64
			desorbed, hits, absorbed, leaks int64
		)
		if err := rows.Scan(&r.RunID, &r.Workers, &r.Threads, &limitVal, &started, &finished,
			&r.Outcome, &r.Error, &desorbed, &hits, &absorbed, &leaks); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.DesorptionLimit = uint64(limitVal)
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		r.Totals = Totals{Desorbed: uint64(desorbed), Hits: uint64(hits), Absorbed: uint64(absorbed), Leaks: uint64(leaks)}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	rows.Close()

	for i := range runs {
		failures, err := j.failures(ctx, runs[i].RunID)
		if err != nil {
			return nil, err
		}
		runs[i].Failures = failures
	}
	return runs, nil
}

func (j *Journal) failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT ordinal, pid, code, state, status FROM failures
WHERE run_id = ? ORDER BY ordinal, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Ordinal, &f.Pid, &f.Code, &f.State, &f.Status); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
