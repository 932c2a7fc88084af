// SPDX-License-Identifier: MIT

package run

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() Graph {
	return Graph{
		EntryStep: "fetch",
		Steps: map[string]Step{
			"fetch":  {ID: "fetch", Kind: "noop"},
			"build":  {ID: "build", Kind: "noop", Deps: []string{"fetch"}},
			"deploy": {ID: "deploy", Kind: "noop", Deps: []string{"build"}},
		},
	}
}

func TestGraphValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, linearGraph().Validate())
	})

	t.Run("empty", func(t *testing.T) {
		err := Graph{}.Validate()
		require.ErrorIs(t, err, ErrInvalidGraph)
		assert.Contains(t, err.Error(), "no steps")
	})

	t.Run("entry missing from steps", func(t *testing.T) {
		g := linearGraph()
		g.EntryStep = "bogus"
		require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
	})

	t.Run("unknown dep", func(t *testing.T) {
		g := linearGraph()
		g.Steps["build"] = Step{ID: "build", Kind: "noop", Deps: []string{"missing"}}
		require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
	})

	t.Run("cycle", func(t *testing.T) {
		g := Graph{
			EntryStep: "a",
			Steps: map[string]Step{
				"a": {ID: "a", Kind: "noop", Deps: []string{"b"}},
				"b": {ID: "b", Kind: "noop", Deps: []string{"a"}},
			},
		}
		err := g.Validate()
		require.ErrorIs(t, err, ErrInvalidGraph)
		assert.Contains(t, err.Error(), "cycle")
	})
}

func TestGraphOrderedStepIDs(t *testing.T) {
	g := Graph{
		EntryStep: "zeta",
		Steps: map[string]Step{
			"zeta":  {ID: "zeta", Kind: "noop"},
			"alpha": {ID: "alpha", Kind: "noop"},
			"mid":   {ID: "mid", Kind: "noop"},
		},
	}
	// Entry first, then the rest lexicographically.
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, g.OrderedStepIDs()); diff != "" {
		t.Errorf("step order mismatch (-want +got):\n%s", diff)
	}

	// Stable across calls.
	assert.Equal(t, g.OrderedStepIDs(), g.OrderedStepIDs())
}

func TestStepExtRoundTrip(t *testing.T) {
	raw := []byte(`{"id":"s1","kind":"noop","deps":["s0"],"retries":3,"cmd":{"bin":"true"}}`)

	var s Step
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "noop", s.Kind)
	assert.Equal(t, []string{"s0"}, s.Deps)
	require.Contains(t, s.Ext, "retries")
	require.Contains(t, s.Ext, "cmd")

	out, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, float64(3), decoded["retries"])
	assert.Equal(t, map[string]any{"bin": "true"}, decoded["cmd"])
}
