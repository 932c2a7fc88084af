// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/forged/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestGetActiveAbsentIsNilNotError(t *testing.T) {
	r := newTestRegistry(t)

	blob, err := r.GetActive(context.Background(), "policy_v2")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestEnsureDefaultIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	def := map[string]any{"lanes": map[string]any{}}
	require.NoError(t, r.EnsureDefault(ctx, "kill_switch_v2", def, "system"))

	// A second ensure with different content must not overwrite.
	require.NoError(t, r.EnsureDefault(ctx, "kill_switch_v2",
		map[string]any{"lanes": map[string]any{"staging:default": false}}, "system"))

	blob, err := r.GetActive(ctx, "kill_switch_v2")
	require.NoError(t, err)
	require.NotNil(t, blob)
	lanes, ok := blob["lanes"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, lanes)
}

func TestEnsureDefaultConcurrent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.EnsureDefault(ctx, "kill_switch_v2",
				map[string]any{"lanes": map[string]any{}}, "system"))
		}()
	}
	wg.Wait()

	blob, err := r.GetActive(ctx, "kill_switch_v2")
	require.NoError(t, err)
	assert.NotNil(t, blob)
}

func TestSetAndGetLastWriterWins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "kill_switch.staging.default.lane_enabled")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "kill_switch.staging.default.lane_enabled", false))
	require.NoError(t, r.Set(ctx, "kill_switch.staging.default.lane_enabled", true))

	v, ok, err := r.Get(ctx, "kill_switch.staging.default.lane_enabled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, v)
}
