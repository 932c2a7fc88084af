// SPDX-License-Identifier: MIT

package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidGraph marks graph validation failures so callers can map them to
// client errors.
var ErrInvalidGraph = errors.New("invalid run graph")

// Step is one node of a run graph. Kind is a dispatch tag; unknown keys are
// preserved in Ext so future step shapes round-trip unchanged.
type Step struct {
	ID   string   `json:"id"`
	Deps []string `json:"deps,omitempty"`
	Kind string   `json:"kind"`

	Ext map[string]json.RawMessage `json:"-"`
}

// knownStepKeys are the fields owned by the Step struct itself.
var knownStepKeys = map[string]struct{}{"id": {}, "deps": {}, "kind": {}}

// UnmarshalJSON captures unknown keys into Ext.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := knownStepKeys[k]; known {
			delete(raw, k)
		}
	}
	*s = Step(a)
	if len(raw) > 0 {
		s.Ext = raw
	}
	return nil
}

// MarshalJSON merges Ext back beside the known fields.
func (s Step) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Ext)+3)
	for k, v := range s.Ext {
		out[k] = v
	}
	id, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	out["id"] = id
	kind, err := json.Marshal(s.Kind)
	if err != nil {
		return nil, err
	}
	out["kind"] = kind
	if len(s.Deps) > 0 {
		deps, err := json.Marshal(s.Deps)
		if err != nil {
			return nil, err
		}
		out["deps"] = deps
	}
	return json.Marshal(out)
}

// Graph is the immutable DAG embedded in a run.
type Graph struct {
	EntryStep string          `json:"entry_step"`
	Steps     map[string]Step `json:"steps"`
}

// Validate enforces the graph invariants: entry_step present, every dep id
// known, and no cycles.
func (g Graph) Validate() error {
	if len(g.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidGraph)
	}
	if g.EntryStep == "" {
		return fmt.Errorf("%w: entry_step is empty", ErrInvalidGraph)
	}
	if _, ok := g.Steps[g.EntryStep]; !ok {
		return fmt.Errorf("%w: entry_step %q not in steps", ErrInvalidGraph, g.EntryStep)
	}
	for id, step := range g.Steps {
		for _, dep := range step.Deps {
			if _, ok := g.Steps[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidGraph, id, dep)
			}
		}
	}
	if cycle := g.findCycle(); cycle != "" {
		return fmt.Errorf("%w: cycle through step %q", ErrInvalidGraph, cycle)
	}
	return nil
}

// findCycle returns a step id on a dependency cycle, or "" if acyclic.
func (g Graph) findCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	mark := make(map[string]int, len(g.Steps))
	var visit func(id string) string
	visit = func(id string) string {
		switch mark[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		mark[id] = visiting
		for _, dep := range g.Steps[id].Deps {
			if hit := visit(dep); hit != "" {
				return hit
			}
		}
		mark[id] = done
		return ""
	}
	// Deterministic iteration keeps error messages stable.
	for _, id := range sortedIDs(g.Steps) {
		if hit := visit(id); hit != "" {
			return hit
		}
	}
	return ""
}

// OrderedStepIDs returns the canonical tick order: entry_step first (when it
// exists in steps), then all remaining ids lexicographically, de-duplicated.
func (g Graph) OrderedStepIDs() []string {
	ordered := make([]string, 0, len(g.Steps))
	if g.EntryStep != "" {
		if _, ok := g.Steps[g.EntryStep]; ok {
			ordered = append(ordered, g.EntryStep)
		}
	}
	for _, id := range sortedIDs(g.Steps) {
		if len(ordered) > 0 && id == ordered[0] {
			continue
		}
		ordered = append(ordered, id)
	}
	return ordered
}

func sortedIDs(steps map[string]Step) []string {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
