// SPDX-License-Identifier: MIT

// Package policy implements the dispatch gate consulted by the graph ticker
// before a step runs.
package policy

import (
	"context"
	"strings"

	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/run"
)

// Kind names the versioned config blob holding the active policy, shaped
// {"paused": bool, "allowed_kinds": ["noop", ...]}. An absent blob allows
// everything.
const Kind = "policy_v2"

// Gate decides whether a step may be dispatched. A false verdict carries a
// machine-readable reason.
type Gate interface {
	DispatchAllowed(ctx context.Context, state *run.State, step run.Step) (bool, string, error)
}

// Loader reads the active policy from the config registry at the moment of
// each decision; operator updates apply to the next tick.
type Loader struct {
	reg *registry.Registry
}

// NewLoader creates a policy loader over the config registry.
func NewLoader(reg *registry.Registry) *Loader {
	return &Loader{reg: reg}
}

// DispatchAllowed blocks when the policy is paused or the step's kind is not
// in a non-empty allowed_kinds list. Missing policy means allow.
func (l *Loader) DispatchAllowed(ctx context.Context, state *run.State, step run.Step) (bool, string, error) {
	blob, err := l.reg.GetActive(ctx, Kind)
	if err != nil {
		return false, "", err
	}
	if blob == nil {
		return true, "", nil
	}

	if paused, _ := blob["paused"].(bool); paused {
		return false, "policy_paused", nil
	}

	allowed, ok := blob["allowed_kinds"].([]any)
	if !ok || len(allowed) == 0 {
		return true, "", nil
	}
	kind := strings.ToLower(step.Kind)
	for _, v := range allowed {
		if s, isStr := v.(string); isStr && strings.ToLower(s) == kind {
			return true, "", nil
		}
	}
	return false, "kind_not_allowed:" + kind, nil
}

// Snapshot returns the active policy blob for status surfaces; nil when absent.
func (l *Loader) Snapshot(ctx context.Context) (map[string]any, error) {
	return l.reg.GetActive(ctx, Kind)
}
