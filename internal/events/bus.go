// SPDX-License-Identifier: MIT

// Package events owns the per-run ordered event log and its optional
// in-process live fan-out.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/metrics"
	"github.com/forgeops/forged/internal/storage"
)

// Event types. Additions must be additive; consumers ignore unknown types.
const (
	TypeRunStarted          = "RUN_STARTED"
	TypeRunSucceeded        = "RUN_SUCCEEDED"
	TypeRunBlocked          = "RUN_BLOCKED"
	TypeStepStarted         = "STEP_STARTED"
	TypeStepSucceeded       = "STEP_SUCCEEDED"
	TypeStepFailed          = "STEP_FAILED"
	TypeWorkerTickRequested = "WORKER_V2_TICK_REQUESTED"
)

// Event is one row of the append-only per-run log, totally ordered by (ts, id).
type Event struct {
	ID      int64          `json:"id"`
	RunID   string         `json:"run_id"`
	TS      string         `json:"ts"`
	Type    string         `json:"event_type"`
	Payload map[string]any `json:"payload"`
}

// Bus appends ordered events per run and fans them out to in-process
// subscribers. Persistence always precedes live delivery; a slow subscriber
// can never fail or delay a publish.
type Bus struct {
	db        *sql.DB
	broadcast *broadcaster
}

// NewBus creates an event bus over an opened database.
func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, broadcast: newBroadcaster()}
}

// Publish assigns the timestamp, persists the event in its own transaction,
// then best-effort delivers it to live subscribers of the run.
func (b *Bus) Publish(ctx context.Context, runID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	ts := storage.NowUTC()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO run_events_v2 (run_id, ts, event_type, payload_json) VALUES (?, ?, ?, ?)`,
		runID, ts, eventType, string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, _ := res.LastInsertId()
	metrics.IncEventPublished(eventType)

	b.broadcast.deliver(runID, Event{
		ID:      id,
		RunID:   runID,
		TS:      ts,
		Type:    eventType,
		Payload: payload,
	})
	return nil
}

// Replay returns up to limit events for a run ordered (ts asc, id asc).
func (b *Bus) Replay(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	items, _, err := b.Page(ctx, runID, nil, limit)
	return items, err
}

// Cursor addresses a position in the (ts asc, id asc) ordering.
type Cursor struct {
	TS string
	ID int64
}

// Page returns events after the cursor, plus the next cursor when more exist.
func (b *Bus) Page(ctx context.Context, runID string, cursor *Cursor, limit int) ([]Event, *Cursor, error) {
	where := "run_id = ?"
	args := []any{runID}
	if cursor != nil {
		where += " AND (ts > ? OR (ts = ? AND id > ?))"
		args = append(args, cursor.TS, cursor.TS, cursor.ID)
	}
	args = append(args, limit+1)

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, ts, event_type, payload_json
		FROM run_events_v2
		WHERE `+where+`
		ORDER BY ts ASC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []Event
	for rows.Next() {
		var e Event
		var payloadJSON string
		if err := rows.Scan(&e.ID, &e.RunID, &e.TS, &e.Type, &payloadJSON); err != nil {
			return nil, nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			// Tolerate rows written by older tooling.
			e.Payload = map[string]any{"raw": payloadJSON}
			log.FromContext(ctx).Warn().
				Str("run_id", runID).
				Int64("event_id", e.ID).
				Msg("event payload is not valid JSON")
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = &Cursor{TS: last.TS, ID: last.ID}
	}
	return items, next, nil
}

// CountAll returns the total number of persisted events across all runs.
func (b *Bus) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_events_v2`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Subscribe attaches a live subscriber for a run. The returned channel is
// closed by cancel. Events published while the subscriber's queue is full are
// dropped without affecting persistence.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	return b.broadcast.subscribe(runID)
}
