// SPDX-License-Identifier: MIT

// Package lease implements the per-run TTL lease discipline. The lease is an
// advisory mutex between workers; expiration is observed on the next Acquire,
// never swept in the background.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeops/forged/internal/metrics"
	"github.com/forgeops/forged/internal/storage"
)

// DefaultTTL is the lease duration used when callers have no reason to pick
// another.
const DefaultTTL = 15 * time.Second

// Store persists leases_v2 rows, at most one per run id.
type Store struct {
	db *sql.DB

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a lease store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Acquire claims the run for owner if no live lease exists. The check and the
// write happen inside one IMMEDIATE transaction so two concurrent callers
// cannot both observe a stale row.
func (s *Store) Acquire(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	now := s.now()

	var expiresAt string
	err = conn.QueryRowContext(ctx,
		`SELECT expires_at FROM leases_v2 WHERE run_id = ?`, runID,
	).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No lease; claim below.
	case err != nil:
		return false, fmt.Errorf("query lease: %w", err)
	default:
		exp, perr := storage.ParseUTC(expiresAt)
		if perr == nil && exp.After(now) {
			// Live lease held by someone.
			metrics.LeaseConflictsTotal.Inc()
			return false, nil
		}
		// Stale row: fall through and overwrite.
	}

	acquiredAt := storage.FormatUTC(now)
	newExpiry := storage.FormatUTC(now.Add(ttl))
	_, err = conn.ExecContext(ctx, `
		INSERT INTO leases_v2 (run_id, owner_id, acquired_at, renewed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			acquired_at = excluded.acquired_at,
			renewed_at = excluded.renewed_at,
			expires_at = excluded.expires_at`,
		runID, ownerID, acquiredAt, acquiredAt, newExpiry,
	)
	if err != nil {
		return false, fmt.Errorf("write lease: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return false, fmt.Errorf("commit lease: %w", err)
	}
	committed = true
	return true, nil
}

// Renew extends the lease iff owner still holds it.
func (s *Store) Renew(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases_v2 SET renewed_at = ?, expires_at = ?
		WHERE run_id = ? AND owner_id = ?`,
		storage.FormatUTC(now), storage.FormatUTC(now.Add(ttl)), runID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release drops the lease iff owner matches. Idempotent; absence is not an error.
func (s *Store) Release(ctx context.Context, runID, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases_v2 WHERE run_id = ? AND owner_id = ?`, runID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
