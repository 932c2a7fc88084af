// SPDX-License-Identifier: MIT

// Package audit provides an append-only operator action log. It follows the
// WHO/WHAT/WHEN pattern for forensics; writes never fail the originating
// request.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/storage"
	"github.com/rs/zerolog"
)

// Well-known actions and results.
const (
	ActionAdminAuth  = "admin_auth"
	ActionTickOnce   = "tick_once"
	ActionKillSwitch = "kill_switch_lane"

	ResultSuccess = "success"
	ResultIdle    = "idle"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// secretKeyFragments flag payload keys that must never be persisted.
var secretKeyFragments = []string{"token", "password", "secret", "key"}

// Entry is one audit record.
type Entry struct {
	Action    string
	ActorID   string
	ActorRole string
	TargetID  string
	Result    string
	Payload   map[string]any
	Error     map[string]any
}

// Log persists audit rows and mirrors them to the structured log.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewLog creates an audit log over an opened database.
func NewLog(db *sql.DB) *Log {
	return &Log{
		db:     db,
		logger: log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
	}
}

// Record appends an entry. Failures are logged and swallowed: auditing must
// not break the operation being audited.
func (l *Log) Record(ctx context.Context, e Entry) {
	ts := storage.NowUTC()

	var payloadJSON, errorJSON *string
	if e.Payload != nil {
		if raw, err := json.Marshal(FilterSecrets(e.Payload)); err == nil {
			s := string(raw)
			payloadJSON = &s
		}
	}
	if e.Error != nil {
		if raw, err := json.Marshal(e.Error); err == nil {
			s := string(raw)
			errorJSON = &s
		}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor_id, actor_role, action, target_id, result, payload_json, error_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, nullable(e.ActorID), nullable(e.ActorRole), e.Action,
		nullable(e.TargetID), e.Result, payloadJSON, errorJSON,
	)
	if err != nil {
		l.logger.Error().Err(err).Str("action", e.Action).Msg("audit write failed")
		return
	}

	l.logger.Info().
		Str("action", e.Action).
		Str("actor_id", e.ActorID).
		Str("result", e.Result).
		Str("target_id", e.TargetID).
		Msg("audit event")
}

// FilterSecrets drops any key whose lowercased name contains a secret
// fragment (token, password, secret, key).
func FilterSecrets(payload map[string]any) map[string]any {
	safe := make(map[string]any, len(payload))
	for k, v := range payload {
		if containsSecretFragment(k) {
			continue
		}
		safe[k] = v
	}
	return safe
}

func containsSecretFragment(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
