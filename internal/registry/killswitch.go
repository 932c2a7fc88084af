// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"fmt"
)

// KillSwitchKind names the versioned blob holding per-lane switches,
// shaped {"lanes": {"<env>:<lane>": bool}}. Absent entries default to enabled.
const KillSwitchKind = "kill_switch_v2"

// FlatLaneKey builds the flat overlay key for a lane. A value written under
// this key wins over the versioned blob.
func FlatLaneKey(env, lane string) string {
	return fmt.Sprintf("kill_switch.%s.%s.lane_enabled", env, lane)
}

// KillSwitch derives lane enablement from the config registry.
type KillSwitch struct {
	reg *Registry
}

// NewKillSwitch wraps the registry and ensures a default allow-all blob
// exists. The ensure is idempotent and never overwrites operator state.
func NewKillSwitch(ctx context.Context, reg *Registry) (*KillSwitch, error) {
	if err := reg.EnsureDefault(ctx, KillSwitchKind, map[string]any{"lanes": map[string]any{}}, "system"); err != nil {
		return nil, fmt.Errorf("ensure kill switch default: %w", err)
	}
	return &KillSwitch{reg: reg}, nil
}

// LaneEnabled reports whether work may proceed in (env, lane). The flat
// overlay key wins when present; otherwise the versioned blob decides;
// missing entries default to true.
func (k *KillSwitch) LaneEnabled(ctx context.Context, env, lane string) (bool, error) {
	if v, ok, err := k.reg.Get(ctx, FlatLaneKey(env, lane)); err != nil {
		return false, err
	} else if ok {
		if b, isBool := v.(bool); isBool {
			return b, nil
		}
	}

	blob, err := k.reg.GetActive(ctx, KillSwitchKind)
	if err != nil {
		return false, err
	}
	if blob == nil {
		return true, nil
	}
	lanes, _ := blob["lanes"].(map[string]any)
	if lanes == nil {
		return true, nil
	}
	if v, ok := lanes[env+":"+lane]; ok {
		if b, isBool := v.(bool); isBool {
			return b, nil
		}
	}
	return true, nil
}

// Snapshot returns the active blob for status surfaces; nil when absent.
func (k *KillSwitch) Snapshot(ctx context.Context) (map[string]any, error) {
	return k.reg.GetActive(ctx, KillSwitchKind)
}
