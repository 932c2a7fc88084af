// SPDX-License-Identifier: MIT

// Package registry stores versioned, active-flagged named config blobs plus a
// flat key overlay used by the control plane.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgeops/forged/internal/storage"
	"github.com/google/uuid"
)

// Registry owns the config_versions table. The newest active row for a kind
// is the current value; (kind, version) increases monotonically.
type Registry struct {
	db *sql.DB
}

// New creates a config registry over an opened database.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// GetActive returns the latest active blob for kind, or nil when none exists.
// Absence is not an error: read surfaces must not fail on missing optional
// configs.
func (r *Registry) GetActive(ctx context.Context, kind string) (map[string]any, error) {
	var blobJSON string
	err := r.db.QueryRowContext(ctx, `
		SELECT blob_json FROM config_versions
		WHERE kind = ? AND is_active = 1
		ORDER BY version DESC LIMIT 1`, kind,
	).Scan(&blobJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active config %s: %w", kind, err)
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(blobJSON), &blob); err != nil {
		return nil, fmt.Errorf("decode config blob %s: %w", kind, err)
	}
	return blob, nil
}

// EnsureDefault inserts an active default blob for kind iff no active row
// exists. Concurrent callers create at most one row; the check and insert run
// inside one IMMEDIATE transaction.
func (r *Registry) EnsureDefault(ctx context.Context, kind string, blob map[string]any, createdBy string) error {
	blobJSON, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal default blob: %w", err)
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var exists int
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM config_versions WHERE kind = ? AND is_active = 1`, kind,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check active config: %w", err)
	}
	if exists > 0 {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		committed = true
		return nil
	}

	var maxVersion int
	err = conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM config_versions WHERE kind = ?`, kind,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("query max version: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO config_versions (id, kind, version, created_at, created_by, is_active, blob_json)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		uuid.NewString(), kind, maxVersion+1, storage.NowUTC(), createdBy, string(blobJSON),
	)
	if err != nil {
		return fmt.Errorf("insert default config: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit default config: %w", err)
	}
	committed = true
	return nil
}

// Set persists a flat key-addressable value with last-writer-wins semantics,
// represented over the same versioned store as a new active version of kind.
func (r *Registry) Set(ctx context.Context, key string, value any) error {
	blobJSON, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var maxVersion int
	err = conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM config_versions WHERE kind = ?`, key,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("query max version: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO config_versions (id, kind, version, created_at, created_by, is_active, blob_json)
		VALUES (?, ?, ?, ?, 'control-plane', 1, ?)`,
		uuid.NewString(), key, maxVersion+1, storage.NowUTC(), string(blobJSON),
	)
	if err != nil {
		return fmt.Errorf("insert config value: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit config value: %w", err)
	}
	committed = true
	return nil
}

// Get reads a flat key written by Set. The boolean reports presence.
func (r *Registry) Get(ctx context.Context, key string) (any, bool, error) {
	blob, err := r.GetActive(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if blob == nil {
		return nil, false, nil
	}
	v, ok := blob["value"]
	return v, ok, nil
}
