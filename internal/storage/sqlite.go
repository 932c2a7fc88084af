// SPDX-License-Identifier: MIT

// Package storage owns the SQLite database handle and schema for forged.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Open initializes the SQLite database and applies the schema.
// busy_timeout avoids "database locked" errors; WAL suits many readers and a
// small number of writers.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrate applies the v2 schema and records applied migrations.
// Statements are idempotent so the call is safe on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs_v2 (
		run_id TEXT PRIMARY KEY,
		schema_version TEXT NOT NULL,
		status TEXT NOT NULL,
		env TEXT NOT NULL,
		lane TEXT NOT NULL,
		mode TEXT NOT NULL,
		job_type TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		parent_run_id TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		last_error_json TEXT,
		run_graph_json TEXT NOT NULL,
		params_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_v2_lane ON runs_v2(env, lane, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_v2_created ON runs_v2(created_at, run_id);

	CREATE TABLE IF NOT EXISTS run_state_v2 (
		run_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_events_v2 (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_events_v2_run ON run_events_v2(run_id, ts, id);

	CREATE TABLE IF NOT EXISTS leases_v2 (
		run_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		renewed_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_versions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		blob_json TEXT NOT NULL,
		UNIQUE(kind, version)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		actor_id TEXT,
		actor_role TEXT,
		action TEXT NOT NULL,
		target_id TEXT,
		result TEXT NOT NULL,
		payload_json TEXT,
		error_json TEXT
	);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		"0001_autonomy_v2", NowUTC(),
	)
	return err
}
