// Package history keeps a local sqlite record of spawned sessions and
// engine ticks, for inspection after workflows finish and across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register sqlite3 driver
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaBusyTimeout    = `PRAGMA busy_timeout = 5000;`

	sessionRunsSchema = `CREATE TABLE IF NOT EXISTS session_runs (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);`

	tickMetricsSchema = `CREATE TABLE IF NOT EXISTS tick_metrics (
		at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		workflows_running INTEGER NOT NULL,
		sessions_active INTEGER NOT NULL,
		sessions_spawned INTEGER NOT NULL
	);`

	insertRunSQL = `INSERT INTO session_runs (
		run_id, workflow_id, step_id, session_key, started_at_ms
	) VALUES (?, ?, ?, ?, ?);`

	finishRunSQL = `UPDATE session_runs
		SET ended_at_ms = ?, outcome = ?, tokens_used = ?, tool_calls = ?, error = ?
		WHERE run_id = ?;`

	insertTickSQL = `INSERT INTO tick_metrics (
		at_ms, duration_ms, workflows_running, sessions_active, sessions_spawned
	) VALUES (?, ?, ?, ?, ?);`

	recentRunsSQL = `SELECT run_id, workflow_id, step_id, session_key,
		started_at_ms, ended_at_ms, outcome, tokens_used, tool_calls, error
		FROM session_runs
		WHERE workflow_id = ?
		ORDER BY started_at_ms DESC
		LIMIT ?;`

	lastRunIDSQL = `SELECT run_id FROM session_runs
		WHERE workflow_id = ? AND step_id = ?
		ORDER BY started_at_ms DESC
		LIMIT 1;`
)

// SessionRun is one recorded spawn, completed or not.
type SessionRun struct {
	RunID       string
	WorkflowID  string
	StepID      string
	SessionKey  string
	StartedAtMs int64
	EndedAtMs   int64
	Outcome     string
	TokensUsed  int
	ToolCalls   int
	Error       string
}

// TickSample is one engine tick's metrics.
type TickSample struct {
	AtMs             int64
	Duration         time.Duration
	WorkflowsRunning int
	SessionsActive   int
	SessionsSpawned  int
}

// DB wraps the sqlite handle. Safe for concurrent use via database/sql.
type DB struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed and
// ensures the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	for _, stmt := range []string{pragmaJournalModeWAL, pragmaBusyTimeout, sessionRunsSchema, tickMetricsSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: init schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close releases the handle.
func (h *DB) Close() error {
	return h.db.Close()
}

// RecordSessionStart inserts a new run row.
func (h *DB) RecordSessionStart(ctx context.Context, run SessionRun) error {
	_, err := h.db.ExecContext(ctx, insertRunSQL,
		run.RunID, run.WorkflowID, run.StepID, run.SessionKey, run.StartedAtMs)
	if err != nil {
		return fmt.Errorf("history: record session start: %w", err)
	}
	return nil
}

// RecordSessionEnd closes out a run row with its outcome and usage.
func (h *DB) RecordSessionEnd(ctx context.Context, runID string, endedAtMs int64, outcome string, tokens, toolCalls int, errText string) error {
	_, err := h.db.ExecContext(ctx, finishRunSQL,
		endedAtMs, outcome, tokens, toolCalls, errText, runID)
	if err != nil {
		return fmt.Errorf("history: record session end: %w", err)
	}
	return nil
}

// RecordTick appends one tick sample.
func (h *DB) RecordTick(ctx context.Context, sample TickSample) error {
	_, err := h.db.ExecContext(ctx, insertTickSQL,
		sample.AtMs, sample.Duration.Milliseconds(),
		sample.WorkflowsRunning, sample.SessionsActive, sample.SessionsSpawned)
	if err != nil {
		return fmt.Errorf("history: record tick: %w", err)
	}
	return nil
}

// RecentRuns returns a workflow's runs, newest first.
func (h *DB) RecentRuns(ctx context.Context, workflowID string, limit int) ([]SessionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, recentRunsSQL, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var runs []SessionRun
	for rows.Next() {
		var r SessionRun
		if err := rows.Scan(&r.RunID, &r.WorkflowID, &r.StepID, &r.SessionKey,
			&r.StartedAtMs, &r.EndedAtMs, &r.Outcome, &r.TokensUsed, &r.ToolCalls, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRunID returns the most recent run recorded for a step, or "" when
// the step has never spawned.
func (h *DB) LastRunID(ctx context.Context, workflowID, stepID string) (string, error) {
	var runID string
	err := h.db.QueryRowContext(ctx, lastRunIDSQL, workflowID, stepID).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("history: query last run: %w", err)
	}
	return runID, nil
}
