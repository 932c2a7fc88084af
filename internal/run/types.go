// SPDX-License-Identifier: MIT

// Package run defines the durable run model of the autonomy subsystem and the
// store that persists it.
package run

import (
	"encoding/json"
	"strings"
)

// SchemaVersion is stamped on every run row and state blob.
const SchemaVersion = "v2"

// Status is a stable wire value. Normalize to lowercase at ingress; match
// case-insensitively for backward compatibility.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusBlocked, StatusCanceled:
		return true
	}
	return false
}

// NormalizeStatus lowercases a wire status string.
func NormalizeStatus(s string) Status {
	return Status(strings.ToLower(strings.TrimSpace(s)))
}

// Mode selects between a rehearsal and an effectful run.
type Mode string

const (
	ModeDryRun  Mode = "dry_run"
	ModeRealRun Mode = "real_run"
)

// NormalizeMode lowercases a wire mode string.
func NormalizeMode(s string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(s)))
}

// ValidMode reports whether m is a recognized mode.
func ValidMode(m Mode) bool {
	return m == ModeDryRun || m == ModeRealRun
}

// StepState tracks per-step progress inside the state blob. Steps with no
// entry are implicitly pending.
type StepState struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// StepSucceeded is the only step state that is never revisited.
const StepSucceeded = "succeeded"

// RunError is the structured last_error captured on a run.
type RunError struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	StepID string `json:"step_id,omitempty"`
}

// Run is the summary row mirrored from the state blob for list queries.
type Run struct {
	RunID         string    `json:"run_id"`
	SchemaVersion string    `json:"schema_version"`
	Status        Status    `json:"status"`
	Env           string    `json:"env"`
	Lane          string    `json:"lane"`
	Mode          Mode      `json:"mode"`
	JobType       string    `json:"job_type"`
	RequestedBy   string    `json:"requested_by"`
	ParentRunID   *string   `json:"parent_run_id,omitempty"`
	CreatedAt     string    `json:"created_at"`
	StartedAt     *string   `json:"started_at"`
	FinishedAt    *string   `json:"finished_at"`
	LastError     *RunError `json:"last_error,omitempty"`
}

// State is the authoritative whole-blob working state of a run. Updates are
// replace-with-timestamp; the caller must hold the run's lease to mutate it.
type State struct {
	SchemaVersion string               `json:"schema_version"`
	RunID         string               `json:"run_id"`
	Env           string               `json:"env"`
	Lane          string               `json:"lane"`
	Mode          Mode                 `json:"mode"`
	JobType       string               `json:"job_type"`
	RequestedBy   string               `json:"requested_by,omitempty"`
	ParentRunID   *string              `json:"parent_run_id,omitempty"`
	Status        Status               `json:"status"`
	CreatedAt     string               `json:"created_at"`
	StartedAt     *string              `json:"started_at"`
	FinishedAt    *string              `json:"finished_at"`
	LastError     *RunError            `json:"last_error"`
	Graph         Graph                `json:"run_graph"`
	StepStates    map[string]StepState `json:"step_states"`
	Artifacts     map[string]string    `json:"artifacts"`
	TickCount     int                  `json:"tick_count,omitempty"`
}

// Params is the immutable creation parameter blob.
type Params map[string]json.RawMessage
