// SPDX-License-Identifier: MIT

package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgeops/forged/internal/metrics"
	"github.com/forgeops/forged/internal/storage"
	"github.com/google/uuid"
)

// ErrNotFound is returned when the addressed run does not exist.
var ErrNotFound = errors.New("run not found")

// Store persists runs_v2 rows and run_state_v2 blobs. It owns both tables;
// no other component touches them directly.
type Store struct {
	db *sql.DB
}

// NewStore creates a run store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateParams describes a run to create.
type CreateParams struct {
	Env         string
	Lane        string
	Mode        Mode
	JobType     string
	RequestedBy string
	Graph       Graph
	Params      Params
	ParentRunID *string
}

// Create validates the graph, assigns an opaque run id, and writes the run
// row plus the initial state blob in one transaction. The run starts queued.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	if err := p.Graph.Validate(); err != nil {
		return "", fmt.Errorf("validate run graph: %w", err)
	}

	runID := uuid.NewString()
	createdAt := storage.NowUTC()

	state := State{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Env:           p.Env,
		Lane:          p.Lane,
		Mode:          p.Mode,
		JobType:       p.JobType,
		RequestedBy:   p.RequestedBy,
		ParentRunID:   p.ParentRunID,
		Status:        StatusQueued,
		CreatedAt:     createdAt,
		Graph:         p.Graph,
		StepStates:    map[string]StepState{},
		Artifacts:     map[string]string{},
	}

	graphJSON, err := json.Marshal(p.Graph)
	if err != nil {
		return "", fmt.Errorf("marshal run graph: %w", err)
	}
	params := p.Params
	if params == nil {
		params = Params{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs_v2 (
			run_id, schema_version, status, env, lane, mode, job_type,
			requested_by, parent_run_id, created_at, run_graph_json, params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, SchemaVersion, string(StatusQueued), p.Env, p.Lane, string(p.Mode),
		p.JobType, p.RequestedBy, p.ParentRunID, createdAt, string(graphJSON), string(paramsJSON),
	)
	if err != nil {
		return "", fmt.Errorf("insert run row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_state_v2 (run_id, state_json, updated_at) VALUES (?, ?, ?)`,
		runID, string(stateJSON), createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert state blob: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create tx: %w", err)
	}

	metrics.RunsCreatedTotal.WithLabelValues(p.Env, p.Lane).Inc()
	return runID, nil
}

// GetState returns the authoritative state blob for a run.
func (s *Store) GetState(ctx context.Context, runID string) (*State, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM run_state_v2 WHERE run_id = ?`, runID,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state blob for %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query state blob: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode state blob for %s: %w", runID, err)
	}
	state.Status = NormalizeStatus(string(state.Status))
	return &state, nil
}

// PutState replaces the state blob and mirrors the summary columns onto the
// run row in one transaction. started_at keeps its first non-null value.
func (s *Store) PutState(ctx context.Context, runID string, state *State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	var lastErrJSON *string
	if state.LastError != nil {
		raw, err := json.Marshal(state.LastError)
		if err != nil {
			return fmt.Errorf("marshal last_error: %w", err)
		}
		enc := string(raw)
		lastErrJSON = &enc
	}

	updatedAt := storage.NowUTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE run_state_v2 SET state_json = ?, updated_at = ? WHERE run_id = ?`,
		string(stateJSON), updatedAt, runID,
	)
	if err != nil {
		return fmt.Errorf("update state blob: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("state blob for %s: %w", runID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs_v2
		SET status = ?,
		    started_at = COALESCE(started_at, ?),
		    finished_at = ?,
		    last_error_json = ?
		WHERE run_id = ?`,
		string(state.Status), state.StartedAt, state.FinishedAt, lastErrJSON, runID,
	)
	if err != nil {
		return fmt.Errorf("update run summary: %w", err)
	}

	return tx.Commit()
}

// Get returns the summary row for a run.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, schema_version, status, env, lane, mode, job_type,
		       requested_by, parent_run_id, created_at, started_at, finished_at,
		       last_error_json
		FROM runs_v2 WHERE run_id = ?`, runID)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run row: %w", err)
	}
	return r, nil
}

// GetRaw returns the immutable graph and params blobs for detail responses.
func (s *Store) GetRaw(ctx context.Context, runID string) (graph, params json.RawMessage, err error) {
	var graphJSON, paramsJSON string
	err = s.db.QueryRowContext(ctx,
		`SELECT run_graph_json, params_json FROM runs_v2 WHERE run_id = ?`, runID,
	).Scan(&graphJSON, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query run blobs: %w", err)
	}
	return json.RawMessage(graphJSON), json.RawMessage(paramsJSON), nil
}

// Cursor addresses a position in the (created_at desc, run_id desc) ordering.
type Cursor struct {
	CreatedAt string
	RunID     string
}

// ListFilter narrows a run listing. Zero values mean "no filter".
type ListFilter struct {
	Env         string
	Lane        string
	Status      string
	RequestedBy string // substring match
	Cursor      *Cursor
	Limit       int
}

// List returns runs ordered created_at desc, run_id desc, plus the cursor of
// the next page when more rows exist.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Run, *Cursor, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	where := "1=1"
	args := []any{}
	if f.Env != "" {
		where += " AND env = ?"
		args = append(args, f.Env)
	}
	if f.Lane != "" {
		where += " AND lane = ?"
		args = append(args, f.Lane)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(NormalizeStatus(f.Status)))
	}
	if f.RequestedBy != "" {
		where += " AND requested_by LIKE ?"
		args = append(args, "%"+f.RequestedBy+"%")
	}
	if f.Cursor != nil {
		where += " AND (created_at < ? OR (created_at = ? AND run_id < ?))"
		args = append(args, f.Cursor.CreatedAt, f.Cursor.CreatedAt, f.Cursor.RunID)
	}
	args = append(args, f.Limit+1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, schema_version, status, env, lane, mode, job_type,
		       requested_by, parent_run_id, created_at, started_at, finished_at,
		       last_error_json
		FROM runs_v2
		WHERE `+where+`
		ORDER BY created_at DESC, run_id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan run row: %w", err)
		}
		items = append(items, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(items) > f.Limit {
		items = items[:f.Limit]
		last := items[len(items)-1]
		next = &Cursor{CreatedAt: last.CreatedAt, RunID: last.RunID}
	}
	return items, next, nil
}

// StatusCounts returns the number of running and queued runs in a lane.
func (s *Store) StatusCounts(ctx context.Context, env, lane string) (running, queued int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM runs_v2
		WHERE env = ? AND lane = ? AND status IN ('running', 'queued')
		GROUP BY status`, env, lane)
	if err != nil {
		return 0, 0, fmt.Errorf("count runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, err
		}
		switch Status(status) {
		case StatusRunning:
			running = n
		case StatusQueued:
			queued = n
		}
	}
	return running, queued, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status, mode string
	var parent, started, finished, lastErr sql.NullString

	err := row.Scan(&r.RunID, &r.SchemaVersion, &status, &r.Env, &r.Lane, &mode,
		&r.JobType, &r.RequestedBy, &parent, &r.CreatedAt, &started, &finished, &lastErr)
	if err != nil {
		return nil, err
	}
	r.Status = NormalizeStatus(status)
	r.Mode = Mode(mode)
	if parent.Valid {
		r.ParentRunID = &parent.String
	}
	if started.Valid {
		r.StartedAt = &started.String
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	if lastErr.Valid && lastErr.String != "" {
		var re RunError
		if err := json.Unmarshal([]byte(lastErr.String), &re); err == nil {
			r.LastError = &re
		}
	}
	return &r, nil
}
