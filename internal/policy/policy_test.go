// SPDX-License-Identifier: MIT

package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/run"
	"github.com/forgeops/forged/internal/storage"
)

func newTestLoader(t *testing.T) (*Loader, *registry.Registry) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	reg := registry.New(db)
	return NewLoader(reg), reg
}

func noopStep() run.Step {
	return run.Step{ID: "noop", Kind: "noop"}
}

func TestDispatchAllowedWithoutPolicy(t *testing.T) {
	l, _ := newTestLoader(t)

	allowed, reason, err := l.DispatchAllowed(context.Background(), &run.State{}, noopStep())
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reason)
}

func TestDispatchBlockedWhenPaused(t *testing.T) {
	l, reg := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, reg.EnsureDefault(ctx, Kind, map[string]any{"paused": true}, "test"))

	allowed, reason, err := l.DispatchAllowed(ctx, &run.State{}, noopStep())
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, "policy_paused", reason)
}

func TestDispatchAllowedKinds(t *testing.T) {
	l, reg := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, reg.EnsureDefault(ctx, Kind, map[string]any{
		"paused":        false,
		"allowed_kinds": []any{"noop"},
	}, "test"))

	allowed, _, err := l.DispatchAllowed(ctx, &run.State{}, noopStep())
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, reason, err := l.DispatchAllowed(ctx, &run.State{}, run.Step{ID: "x", Kind: "shell"})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, "kind_not_allowed:shell", reason)
}

func TestDispatchEmptyAllowedKindsMeansAll(t *testing.T) {
	l, reg := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, reg.EnsureDefault(ctx, Kind, map[string]any{
		"paused":        false,
		"allowed_kinds": []any{},
	}, "test"))

	allowed, _, err := l.DispatchAllowed(ctx, &run.State{}, run.Step{ID: "x", Kind: "anything"})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestDispatchKindMatchIsCaseInsensitive(t *testing.T) {
	l, reg := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, reg.EnsureDefault(ctx, Kind, map[string]any{
		"allowed_kinds": []any{"NOOP"},
	}, "test"))

	allowed, _, err := l.DispatchAllowed(ctx, &run.State{}, run.Step{ID: "x", Kind: "Noop"})
	require.NoError(t, err)
	assert.True(t, allowed)
}
