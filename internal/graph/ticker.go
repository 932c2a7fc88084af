// SPDX-License-Identifier: MIT

// Package graph advances a run's step DAG one step at a time. Given a fixed
// graph, fixed step states, and an allowing policy, the transition sequence
// across successive ticks is fully determined.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/metrics"
	"github.com/forgeops/forged/internal/policy"
	"github.com/forgeops/forged/internal/run"
	"github.com/forgeops/forged/internal/storage"
)

// StepKindNoop is the only built-in step kind. Dispatch is case-insensitive;
// unknown kinds fail the run.
const StepKindNoop = "noop"

// StateStore is the slice of the run store the ticker needs.
type StateStore interface {
	GetState(ctx context.Context, runID string) (*run.State, error)
	PutState(ctx context.Context, runID string, state *run.State) error
}

// EventPublisher is the slice of the event bus the ticker needs.
type EventPublisher interface {
	Publish(ctx context.Context, runID, eventType string, payload map[string]any) error
}

// ArtifactWriter records terminal state snapshots; may be nil.
type ArtifactWriter interface {
	WriteJSON(runID, name string, content any) (string, error)
}

// Ticker advances runs. The caller must hold the run's lease across TickRun.
type Ticker struct {
	store     StateStore
	bus       EventPublisher
	gate      policy.Gate
	artifacts ArtifactWriter
}

// NewTicker wires the ticker's collaborators. gate and artifacts may be nil.
func NewTicker(store StateStore, bus EventPublisher, gate policy.Gate, artifacts ArtifactWriter) *Ticker {
	return &Ticker{store: store, bus: bus, gate: gate, artifacts: artifacts}
}

// TickRun advances at most one step and returns the resulting state.
// Terminal runs are returned unchanged with no events emitted.
func (t *Ticker) TickRun(ctx context.Context, runID string) (*run.State, error) {
	state, err := t.store.GetState(ctx, runID)
	if err != nil {
		return nil, err
	}

	if state.Status.Terminal() {
		return state, nil
	}

	mutated := false

	if state.StartedAt == nil {
		now := storage.NowUTC()
		state.StartedAt = &now
		state.Status = run.StatusRunning
		mutated = true
		// Published before any further write so observers always see the
		// start before step events.
		if err := t.bus.Publish(ctx, runID, events.TypeRunStarted, map[string]any{"run_id": runID}); err != nil {
			return nil, fmt.Errorf("publish run started: %w", err)
		}
	}

	stepID, ok := selectNextStep(state)
	if !ok {
		if state.Status == run.StatusRunning {
			t.finish(state, run.StatusSucceeded)
			if err := t.bus.Publish(ctx, runID, events.TypeRunSucceeded, map[string]any{"run_id": runID}); err != nil {
				return nil, fmt.Errorf("publish run succeeded: %w", err)
			}
			t.writeFinalArtifact(ctx, runID, state)
			if err := t.store.PutState(ctx, runID, state); err != nil {
				return nil, err
			}
			return state, nil
		}
		if mutated {
			if err := t.store.PutState(ctx, runID, state); err != nil {
				return nil, err
			}
		}
		return state, nil
	}

	step := state.Graph.Steps[stepID]

	if t.gate != nil {
		allowed, reason, err := t.gate.DispatchAllowed(ctx, state, step)
		if err != nil {
			return nil, fmt.Errorf("policy gate: %w", err)
		}
		if !allowed {
			state.Status = run.StatusBlocked
			state.LastError = &run.RunError{Stage: "dispatch", Reason: reason}
			if err := t.bus.Publish(ctx, runID, events.TypeRunBlocked, map[string]any{
				"run_id": runID, "reason": reason, "step_id": stepID,
			}); err != nil {
				return nil, fmt.Errorf("publish run blocked: %w", err)
			}
			metrics.RunsTerminalTotal.WithLabelValues(string(run.StatusBlocked)).Inc()
			t.writeFinalArtifact(ctx, runID, state)
			if err := t.store.PutState(ctx, runID, state); err != nil {
				return nil, err
			}
			return state, nil
		}
	}

	if err := t.bus.Publish(ctx, runID, events.TypeStepStarted, map[string]any{
		"run_id": runID, "step_id": stepID,
	}); err != nil {
		return nil, fmt.Errorf("publish step started: %w", err)
	}
	state.TickCount++

	kind := strings.ToLower(step.Kind)
	if kind == "" {
		kind = StepKindNoop
	}

	switch kind {
	case StepKindNoop:
		markStep(state, stepID, run.StepSucceeded)
		if err := t.bus.Publish(ctx, runID, events.TypeStepSucceeded, map[string]any{
			"run_id": runID, "step_id": stepID,
		}); err != nil {
			return nil, fmt.Errorf("publish step succeeded: %w", err)
		}

	default:
		reason := "unsupported_kind:" + kind
		markStep(state, stepID, "failed")
		t.finish(state, run.StatusFailed)
		state.LastError = &run.RunError{Stage: "step", Reason: reason, StepID: stepID}
		if err := t.bus.Publish(ctx, runID, events.TypeStepFailed, map[string]any{
			"run_id": runID, "step_id": stepID, "reason": reason,
		}); err != nil {
			return nil, fmt.Errorf("publish step failed: %w", err)
		}
		t.writeFinalArtifact(ctx, runID, state)
		if err := t.store.PutState(ctx, runID, state); err != nil {
			return nil, err
		}
		return state, nil
	}

	// Completion probe: all steps done while still running means success.
	if _, more := selectNextStep(state); !more && state.Status == run.StatusRunning {
		t.finish(state, run.StatusSucceeded)
		if err := t.bus.Publish(ctx, runID, events.TypeRunSucceeded, map[string]any{"run_id": runID}); err != nil {
			return nil, fmt.Errorf("publish run succeeded: %w", err)
		}
		t.writeFinalArtifact(ctx, runID, state)
	}

	if err := t.store.PutState(ctx, runID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// finish moves the run to a terminal status with a finish timestamp.
func (t *Ticker) finish(state *run.State, status run.Status) {
	now := storage.NowUTC()
	state.Status = status
	state.FinishedAt = &now
	metrics.RunsTerminalTotal.WithLabelValues(string(status)).Inc()
}

// writeFinalArtifact snapshots the terminal state. Best effort: a failed
// write is logged, never surfaced.
func (t *Ticker) writeFinalArtifact(ctx context.Context, runID string, state *run.State) {
	if t.artifacts == nil {
		return
	}
	path, err := t.artifacts.WriteJSON(runID, "final_state.json", state)
	if err != nil {
		log.FromContext(ctx).Warn().Err(err).Str("run_id", runID).Msg("final state artifact write failed")
		return
	}
	if state.Artifacts == nil {
		state.Artifacts = map[string]string{}
	}
	state.Artifacts["final_state"] = path
}

// selectNextStep returns the first step in canonical order that has not
// succeeded and whose deps all have. Canonical order: entry_step first, then
// lexicographic.
func selectNextStep(state *run.State) (string, bool) {
	for _, id := range state.Graph.OrderedStepIDs() {
		if state.StepStates[id].Status == run.StepSucceeded {
			continue
		}
		ready := true
		for _, dep := range state.Graph.Steps[id].Deps {
			if state.StepStates[dep].Status != run.StepSucceeded {
				ready = false
				break
			}
		}
		if ready {
			return id, true
		}
	}
	return "", false
}

func markStep(state *run.State, stepID, status string) {
	if state.StepStates == nil {
		state.StepStates = map[string]run.StepState{}
	}
	state.StepStates[stepID] = run.StepState{Status: status, UpdatedAt: storage.NowUTC()}
}
