// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKillSwitch(t *testing.T) (*KillSwitch, *Registry) {
	t.Helper()
	r := newTestRegistry(t)
	ks, err := NewKillSwitch(context.Background(), r)
	require.NoError(t, err)
	return ks, r
}

func TestLaneEnabledDefaultsTrue(t *testing.T) {
	ks, _ := newTestKillSwitch(t)

	enabled, err := ks.LaneEnabled(context.Background(), "staging", "default")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestLaneEnabledFlatKeyWinsOverBlob(t *testing.T) {
	ks, r := newTestKillSwitch(t)
	ctx := context.Background()

	// Blob says enabled; flat overlay disables and must win.
	require.NoError(t, r.Set(ctx, FlatLaneKey("staging", "default"), false))
	enabled, err := ks.LaneEnabled(ctx, "staging", "default")
	require.NoError(t, err)
	assert.False(t, enabled)

	// Flipping the flat key back re-enables immediately.
	require.NoError(t, r.Set(ctx, FlatLaneKey("staging", "default"), true))
	enabled, err = ks.LaneEnabled(ctx, "staging", "default")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestLaneEnabledScopedPerLane(t *testing.T) {
	ks, r := newTestKillSwitch(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, FlatLaneKey("prod", "canary"), false))

	enabled, err := ks.LaneEnabled(ctx, "prod", "canary")
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = ks.LaneEnabled(ctx, "prod", "default")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestKillSwitchSnapshot(t *testing.T) {
	ks, _ := newTestKillSwitch(t)

	blob, err := ks.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Contains(t, blob, "lanes")
}
