// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/scheduler"
)

// backgroundCaps bound every background tick to a single run advance.
func backgroundCaps() scheduler.Caps {
	return scheduler.Caps{
		MaxTotalTicksPerInvocation:  1,
		MaxTicksPerRunPerInvocation: 1,
		DailyTickCap:                10_000,
	}
}

// BackgroundLeaseTTL bounds how long a crashed background tick can block a run.
const BackgroundLeaseTTL = 15 * time.Second

// Runner periodically drives TickOnce for a fixed (env, lane).
type Runner struct {
	worker   *Worker
	env      string
	lane     string
	interval time.Duration
}

// NewRunner creates a background runner ticking every interval.
func NewRunner(w *Worker, env, lane string, interval time.Duration) *Runner {
	return &Runner{worker: w, env: env, lane: lane, interval: interval}
}

// Start blocks until ctx is canceled, invoking one guarded tick per interval.
// Tick errors are logged and swallowed; the loop must never die with the
// process still serving.
func (r *Runner) Start(ctx context.Context) {
	logger := log.WithComponent("worker").With().
		Str("env", r.env).Str("lane", r.lane).Logger()
	logger.Info().Dur("interval", r.interval).Msg("background worker started")

	ownerID := fmt.Sprintf("bg:%d", os.Getpid())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("background worker stopped")
			return
		case <-ticker.C:
			summary, err := r.worker.TickOnce(ctx, r.env, r.lane, ownerID, backgroundCaps(), BackgroundLeaseTTL)
			if err != nil {
				logger.Warn().Err(err).Msg("background tick failed")
				continue
			}
			if summary.RunsTicked > 0 {
				logger.Debug().
					Int("runs_ticked", summary.RunsTicked).
					Int64("events_added", summary.EventsAdded).
					Msg("background tick")
			}
		}
	}
}
