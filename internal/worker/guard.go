// SPDX-License-Identifier: MIT

package worker

import (
	"fmt"
	"sync/atomic"
)

// GuardStatus reports whether the background worker may start in this process.
type GuardStatus struct {
	Enabled       bool   `json:"enabled"`
	Reason        string `json:"reason"`
	PID           int    `json:"pid"`
	ConfiguredPID int    `json:"configured_pid"`
}

// CanStartWorker gates background startup on the enable flag and, when a pid
// is configured, on running in that exact process.
func CanStartWorker(enabled bool, configuredPID, pid int) GuardStatus {
	if !enabled {
		return GuardStatus{Enabled: false, Reason: "worker disabled by flag", PID: pid, ConfiguredPID: configuredPID}
	}
	if configuredPID != 0 && configuredPID != pid {
		return GuardStatus{
			Enabled:       false,
			Reason:        fmt.Sprintf("pid mismatch (pid=%d expected=%d)", pid, configuredPID),
			PID:           pid,
			ConfiguredPID: configuredPID,
		}
	}
	return GuardStatus{Enabled: true, Reason: "ok", PID: pid, ConfiguredPID: configuredPID}
}

var started atomic.Bool

// MarkStartedOnce returns true exactly once per process. Guards against
// double-start under process-reloader quirks.
func MarkStartedOnce() bool {
	return started.CompareAndSwap(false, true)
}
