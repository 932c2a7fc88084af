// SPDX-License-Identifier: MIT

package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// handleHealth reports liveness plus build provenance and the worker guard
// decision made at startup.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "forged",
		"version":    s.build.Version,
		"commit":     s.build.Commit,
		"build_date": s.build.BuildDate,
		"go_version": runtime.Version(),
		"uptime_s":   int(time.Since(s.startedAt).Seconds()),

		"db_path":                s.settings.DBPath,
		"admin_token_configured": s.settings.AdminToken != "",

		"autonomy_v2_worker": map[string]any{
			"enabled":               s.guard.Enabled,
			"reason":                s.guard.Reason,
			"pid":                   s.guard.PID,
			"configured_pid":        s.guard.ConfiguredPID,
			"tick_interval_seconds": s.settings.Worker.TickIntervalSeconds,
			"env":                   s.settings.Worker.Env,
			"lane":                  s.settings.Worker.Lane,
		},
	})
}
