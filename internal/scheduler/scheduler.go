// SPDX-License-Identifier: MIT

// Package scheduler picks the next runnable run in a lane and enforces
// per-invocation tick caps.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrCapReached signals that the invocation's tick budget is spent.
var ErrCapReached = errors.New("invocation tick cap reached")

// Caps bounds a single worker invocation. MaxTicksPerRunPerInvocation and
// DailyTickCap are accepted and round-tripped but not enforced; only the
// total per-invocation cap gates the loop.
type Caps struct {
	MaxTotalTicksPerInvocation  int `json:"max_total_ticks_per_invocation"`
	MaxTicksPerRunPerInvocation int `json:"max_ticks_per_run_per_invocation"`
	DailyTickCap                int `json:"daily_tick_cap"`
}

// DefaultCaps returns the caps used when a request omits them.
func DefaultCaps() Caps {
	return Caps{
		MaxTotalTicksPerInvocation:  20,
		MaxTicksPerRunPerInvocation: 10,
		DailyTickCap:                2000,
	}
}

// Scheduler selects runs FIFO by created_at among queued and running rows.
type Scheduler struct {
	db *sql.DB
}

// New creates a scheduler over an opened database.
func New(db *sql.DB) *Scheduler {
	return &Scheduler{db: db}
}

// NextRunID returns the oldest queued or running run in (env, lane).
// The boolean reports whether one was found.
func (s *Scheduler) NextRunID(ctx context.Context, env, lane string) (string, bool, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM runs_v2
		WHERE env = ? AND lane = ? AND status IN ('queued', 'running')
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`, env, lane,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query next run: %w", err)
	}
	return runID, true, nil
}

// EnforceCaps returns ErrCapReached once ticksUsed exhausts the invocation
// budget.
func (s *Scheduler) EnforceCaps(caps Caps, ticksUsed int) error {
	if ticksUsed >= caps.MaxTotalTicksPerInvocation {
		return ErrCapReached
	}
	return nil
}
