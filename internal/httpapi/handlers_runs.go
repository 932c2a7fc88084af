// SPDX-License-Identifier: MIT

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/graph"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/run"
)

const (
	maxRunsPageSize   = 200
	maxEventsPageSize = 500

	defaultRunsPageSize   = 50
	defaultEventsPageSize = 200
)

type createRunRequest struct {
	Env         string     `json:"env"`
	Lane        string     `json:"lane"`
	Mode        string     `json:"mode"`
	JobType     string     `json:"job_type"`
	RequestedBy string     `json:"requested_by"`
	ParentRunID *string    `json:"parent_run_id"`
	Params      run.Params `json:"params"`
	Graph       *run.Graph `json:"run_graph"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body")
		return
	}

	if req.Env == "" || req.Lane == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest, "env, lane and job_type are required")
		return
	}
	mode := run.NormalizeMode(req.Mode)
	if !run.ValidMode(mode) {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest,
			fmt.Sprintf("mode must be %q or %q", run.ModeDryRun, run.ModeRealRun))
		return
	}

	g := defaultGraph()
	if req.Graph != nil {
		g = *req.Graph
	}

	runID, err := s.runs.Create(r.Context(), run.CreateParams{
		Env:         req.Env,
		Lane:        req.Lane,
		Mode:        mode,
		JobType:     req.JobType,
		RequestedBy: req.RequestedBy,
		Graph:       g,
		Params:      req.Params,
		ParentRunID: req.ParentRunID,
	})
	if err != nil {
		if errors.Is(err, run.ErrInvalidGraph) {
			respondError(w, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("create run failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	log.FromContext(r.Context()).Info().
		Str("run_id", runID).
		Str("env", req.Env).
		Str("lane", req.Lane).
		Str("job_type", req.JobType).
		Msg("run created")

	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id": runID,
		"status": "created",
	})
}

// defaultGraph is the single-step graph used when the caller supplies none.
func defaultGraph() run.Graph {
	return run.Graph{
		EntryStep: "noop",
		Steps:     map[string]run.Step{"noop": {ID: "noop", Kind: graph.StepKindNoop}},
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := parseLimit(w, q.Get("limit"), defaultRunsPageSize, maxRunsPageSize)
	if !ok {
		return
	}
	cursor, err := decodeRunCursor(q.Get("cursor"))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrInvalidCursor)
		return
	}

	items, next, err := s.runs.List(r.Context(), run.ListFilter{
		Env:         q.Get("env"),
		Lane:        q.Get("lane"),
		Status:      string(run.NormalizeStatus(q.Get("status"))),
		RequestedBy: q.Get("requested_by"),
		Cursor:      cursor,
		Limit:       limit,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("list runs failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	if items == nil {
		items = []run.Run{}
	}

	// next_cursor is always present: null marks the last page.
	resp := map[string]any{"items": items, "next_cursor": nil}
	if next != nil {
		resp["next_cursor"] = encodeRunCursor(next)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	state, err := s.runs.GetState(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrRunNotFound)
			return
		}
		s.logger.Error().Err(err).Str("run_id", runID).Msg("get run failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	_, params, err := s.runs.GetRaw(r.Context(), runID)
	if err != nil && !errors.Is(err, run.ErrNotFound) {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("get run params failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":         state.RunID,
		"schema_version": state.SchemaVersion,
		"status":         state.Status,
		"env":            state.Env,
		"lane":           state.Lane,
		"mode":           state.Mode,
		"job_type":       state.JobType,
		"requested_by":   state.RequestedBy,
		"parent_run_id":  state.ParentRunID,
		"created_at":     state.CreatedAt,
		"started_at":     state.StartedAt,
		"finished_at":    state.FinishedAt,
		"last_error":     state.LastError,
		"run_graph":      state.Graph,
		"step_states":    state.StepStates,
		"artifacts":      state.Artifacts,
		"tick_count":     state.TickCount,
		"params":         params,
	})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.runExists(w, r, runID) {
		return
	}

	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"), defaultEventsPageSize, maxEventsPageSize)
	if !ok {
		return
	}
	cursor, err := decodeEventCursor(q.Get("cursor"))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrInvalidCursor)
		return
	}

	items, next, err := s.bus.Page(r.Context(), runID, cursor, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("list run events failed")
		respondError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	if items == nil {
		items = []events.Event{}
	}

	resp := map[string]any{"items": items, "next_cursor": nil}
	if next != nil {
		resp["next_cursor"] = encodeEventCursor(next)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunEventStream delivers live events over SSE. Delivery is best
// effort: clients that need a gapless record must page the event log.
func (s *Server) handleRunEventStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.runExists(w, r, runID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, ErrInternal, "streaming unsupported")
		return
	}

	ch, cancel := s.bus.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: ", ev.Type)
			if err := enc.Encode(ev); err != nil {
				return
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

// runExists maps an absent run to the standard 404 envelope. It writes the
// response itself and returns false when the handler must stop.
func (s *Server) runExists(w http.ResponseWriter, r *http.Request, runID string) bool {
	_, err := s.runs.Get(r.Context(), runID)
	if err == nil {
		return true
	}
	if errors.Is(err, run.ErrNotFound) {
		respondError(w, http.StatusNotFound, ErrRunNotFound)
		return false
	}
	s.logger.Error().Err(err).Str("run_id", runID).Msg("run lookup failed")
	respondError(w, http.StatusInternalServerError, ErrInternal)
	return false
}

func parseLimit(w http.ResponseWriter, raw string, def, max int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		respondError(w, http.StatusBadRequest, ErrInvalidRequest,
			fmt.Sprintf("limit must be an integer between 1 and %d", max))
		return 0, false
	}
	return n, true
}
