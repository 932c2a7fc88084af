// SPDX-License-Identifier: MIT

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/forgeops/forged/internal/audit"
	"github.com/forgeops/forged/internal/lease"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/scheduler"
)

// handleWorkerStatus reports lane health without requiring admin auth.
// Missing optional configs show up here instead of failing requests.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	env := s.settings.Worker.Env
	lane := s.settings.Worker.Lane
	if v := r.URL.Query().Get("env"); v != "" {
		env = v
	}
	if v := r.URL.Query().Get("lane"); v != "" {
		lane = v
	}

	running, queued, err := s.runs.StatusCounts(r.Context(), env, lane)
	if err != nil {
		s.logger.Error().Err(err).Msg("worker status counts failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	laneEnabled, err := s.kill.LaneEnabled(r.Context(), env, lane)
	if err != nil {
		s.logger.Error().Err(err).Msg("worker status kill switch failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	policyBlob, err := s.policy.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("worker status policy failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	killBlob, err := s.kill.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("worker status kill switch snapshot failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"env":                    env,
		"lane":                   lane,
		"lane_enabled":           laneEnabled,
		"runs_running":           running,
		"runs_queued":            queued,
		"worker_enabled":         s.settings.Worker.Enabled,
		"policy_configured":      policyBlob != nil,
		"kill_switch_configured": killBlob != nil,
	})
}

type tickOnceRequest struct {
	Env     string          `json:"env"`
	Lane    string          `json:"lane"`
	OwnerID string          `json:"owner_id"`
	Caps    *scheduler.Caps `json:"caps"`
}

func (s *Server) handleTickOnce(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		respondError(w, http.StatusServiceUnavailable, ErrWorkerNotWired)
		return
	}

	req := tickOnceRequest{
		Env:     s.settings.Worker.Env,
		Lane:    s.settings.Worker.Lane,
		OwnerID: "console",
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
			return
		}
	}
	if req.Env == "" || req.Lane == "" {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest, "env and lane are required")
		return
	}
	caps := scheduler.DefaultCaps()
	if req.Caps != nil {
		caps = *req.Caps
	}

	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = "console"
	}
	summary, err := s.worker.TickOnce(r.Context(), req.Env, req.Lane, ownerID, caps, lease.DefaultTTL)
	if err != nil {
		s.audit.Record(r.Context(), audit.Entry{
			Action:    audit.ActionTickOnce,
			ActorID:   ownerID,
			ActorRole: "admin",
			Result:    audit.ResultError,
			Payload:   map[string]any{"env": req.Env, "lane": req.Lane},
			Error:     map[string]any{"message": err.Error()},
		})
		respondError(w, http.StatusInternalServerError, ErrTickError, err.Error())
		return
	}

	status := "success"
	result := audit.ResultSuccess
	var reason string
	if summary.RunsTicked == 0 {
		status = "idle"
		result = audit.ResultIdle
		reason = "no_runnable_runs"
	}

	s.audit.Record(r.Context(), audit.Entry{
		Action:    audit.ActionTickOnce,
		ActorID:   ownerID,
		ActorRole: "admin",
		Result:    result,
		Payload: map[string]any{
			"env":          req.Env,
			"lane":         req.Lane,
			"ticked_runs":  summary.RunsTicked,
			"ticks_used":   summary.TicksUsed,
			"events_added": summary.EventsAdded,
		},
	})

	resp := map[string]any{
		"status":       status,
		"env":          req.Env,
		"lane":         req.Lane,
		"owner_id":     ownerID,
		"ticked_runs":  summary.RunsTicked,
		"ticks_used":   summary.TicksUsed,
		"events_added": summary.EventsAdded,
	}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

type killSwitchRequest struct {
	Env     string `json:"env"`
	Lane    string `json:"lane"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleKillSwitchLane(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}
	if req.Env == "" || req.Lane == "" || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest, "env, lane and enabled are required")
		return
	}

	key := registry.FlatLaneKey(req.Env, req.Lane)
	if err := s.registry.Set(r.Context(), key, *req.Enabled); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("kill switch set failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	s.audit.Record(r.Context(), audit.Entry{
		Action:    audit.ActionKillSwitch,
		ActorID:   r.RemoteAddr,
		ActorRole: "admin",
		TargetID:  key,
		Result:    audit.ResultSuccess,
		Payload: map[string]any{
			"env":     req.Env,
			"lane":    req.Lane,
			"enabled": *req.Enabled,
		},
	})
	log.FromContext(r.Context()).Info().
		Str("key", key).
		Bool("enabled", *req.Enabled).
		Msg("kill switch updated")

	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"enabled": *req.Enabled,
	})
}

// handleAdminStatus returns the full operator snapshot: guard, worker
// config, the active policy and kill switch blobs, and the lane's runtime
// state.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	policyBlob, err := s.policy.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("admin status policy failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	killBlob, err := s.kill.Snapshot(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("admin status kill switch failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	env := s.settings.Worker.Env
	lane := s.settings.Worker.Lane
	running, queued, err := s.runs.StatusCounts(r.Context(), env, lane)
	if err != nil {
		s.logger.Error().Err(err).Msg("admin status counts failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	laneEnabled, err := s.kill.LaneEnabled(r.Context(), env, lane)
	if err != nil {
		s.logger.Error().Err(err).Msg("admin status kill switch read failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"guard": s.guard,
		"config": map[string]any{
			"enabled":               s.settings.Worker.Enabled,
			"env":                   env,
			"lane":                  lane,
			"tick_interval_seconds": s.settings.Worker.TickIntervalSeconds,
			"configured_pid":        s.settings.Worker.ConfiguredPID,
		},
		"policy":      policyBlob,
		"kill_switch": killBlob,
		"worker": map[string]any{
			"env":          env,
			"lane":         lane,
			"lane_enabled": laneEnabled,
			"runs_running": running,
			"runs_queued":  queued,
		},
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	})
}
