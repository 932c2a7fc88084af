// SPDX-License-Identifier: MIT

package artifacts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadJSON(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	path, err := w.WriteJSON("run-1", "final_state.json", map[string]any{"status": "succeeded"})
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	raw, err := w.Read("run-1", "final_state.json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "succeeded", decoded["status"])
}

func TestWriteJSONOverwrites(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = w.WriteJSON("run-1", "state.json", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = w.WriteJSON("run-1", "state.json", map[string]any{"n": 2})
	require.NoError(t, err)

	raw, err := w.Read("run-1", "state.json")
	require.NoError(t, err)
	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(2), decoded["n"])
}

func TestList(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	names, err := w.List("run-1")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = w.WriteJSON("run-1", "b.json", map[string]any{})
	require.NoError(t, err)
	_, err = w.WriteJSON("run-1", "a.json", map[string]any{})
	require.NoError(t, err)

	names, err = w.List("run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)
}

func TestRejectsPathTraversal(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	for _, bad := range []string{"", "..", ".", "a/b", `a\b`} {
		_, err := w.WriteJSON(bad, "x.json", nil)
		assert.Error(t, err, "run id %q", bad)
		_, err = w.WriteJSON("run-1", bad, nil)
		assert.Error(t, err, "name %q", bad)
	}
}
