// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/forged/internal/storage"
)

func newTestLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLog(db), db
}

func TestFilterSecrets(t *testing.T) {
	payload := map[string]any{
		"env":            "staging",
		"admin_token":    "hunter2",
		"PASSWORD":       "hunter2",
		"webhook_SECRET": "hunter2",
		"api_key":        "hunter2",
		"lane":           "default",
	}

	safe := FilterSecrets(payload)
	assert.Equal(t, map[string]any{"env": "staging", "lane": "default"}, safe)
}

func TestRecordPersistsFilteredPayload(t *testing.T) {
	l, db := newTestLog(t)
	ctx := context.Background()

	l.Record(ctx, Entry{
		Action:    ActionKillSwitch,
		ActorID:   "admin@ops",
		ActorRole: "admin",
		TargetID:  "kill_switch.staging.default.lane_enabled",
		Result:    ResultSuccess,
		Payload: map[string]any{
			"enabled":     true,
			"admin_token": "hunter2",
		},
	})

	var action, result string
	var payloadJSON string
	err := db.QueryRowContext(ctx,
		`SELECT action, result, payload_json FROM audit_log`,
	).Scan(&action, &result, &payloadJSON)
	require.NoError(t, err)
	assert.Equal(t, ActionKillSwitch, action)
	assert.Equal(t, ResultSuccess, result)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(payloadJSON), &payload))
	assert.Equal(t, true, payload["enabled"])
	assert.NotContains(t, payload, "admin_token")
}

func TestRecordSurvivesClosedDB(t *testing.T) {
	l, db := newTestLog(t)
	require.NoError(t, db.Close())

	// Must not panic; audit failures are swallowed.
	l.Record(context.Background(), Entry{Action: ActionAdminAuth, Result: ResultDenied})
}
