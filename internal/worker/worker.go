// SPDX-License-Identifier: MIT

// Package worker drives runnable runs through the graph ticker under the
// lease discipline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/graph"
	"github.com/forgeops/forged/internal/lease"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/metrics"
	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/scheduler"
)

// Summary reports what one TickOnce invocation did.
type Summary struct {
	OwnerID     string `json:"owner_id"`
	Env         string `json:"env"`
	Lane        string `json:"lane"`
	TicksUsed   int    `json:"ticks_used"`
	RunsTicked  int    `json:"runs_ticked"`
	EventsAdded int64  `json:"events_added"`
}

// Worker composes the scheduler, lease store, ticker, event bus, and kill
// switch into the cooperative tick loop.
type Worker struct {
	scheduler *scheduler.Scheduler
	leases    *lease.Store
	ticker    *graph.Ticker
	bus       *events.Bus
	ks        *registry.KillSwitch
}

// New wires a worker.
func New(sched *scheduler.Scheduler, leases *lease.Store, ticker *graph.Ticker, bus *events.Bus, ks *registry.KillSwitch) *Worker {
	return &Worker{scheduler: sched, leases: leases, ticker: ticker, bus: bus, ks: ks}
}

// TickOnce runs up to caps.MaxTotalTicksPerInvocation iterations of the tick
// loop for (env, lane). A lease held elsewhere skips the run without counting
// a tick; a disabled lane or empty lane ends the loop.
func (w *Worker) TickOnce(ctx context.Context, env, lane, ownerID string, caps scheduler.Caps, leaseTTL time.Duration) (Summary, error) {
	summary := Summary{OwnerID: ownerID, Env: env, Lane: lane}
	logger := log.WithContext(ctx, log.WithComponent("worker")).With().
		Str("owner_id", ownerID).Str("env", env).Str("lane", lane).Logger()

	eventsBefore, err := w.bus.CountAll(ctx)
	if err != nil {
		return summary, err
	}

	for i := 0; i < caps.MaxTotalTicksPerInvocation; i++ {
		if err := w.scheduler.EnforceCaps(caps, summary.TicksUsed); err != nil {
			if errors.Is(err, scheduler.ErrCapReached) {
				break
			}
			return summary, err
		}

		enabled, err := w.ks.LaneEnabled(ctx, env, lane)
		if err != nil {
			return summary, fmt.Errorf("read kill switch: %w", err)
		}
		if !enabled {
			logger.Info().Msg("lane disabled by kill switch")
			break
		}

		runID, found, err := w.scheduler.NextRunID(ctx, env, lane)
		if err != nil {
			return summary, err
		}
		if !found {
			break
		}

		acquired, err := w.leases.Acquire(ctx, runID, ownerID, leaseTTL)
		if err != nil {
			return summary, fmt.Errorf("acquire lease for %s: %w", runID, err)
		}
		if !acquired {
			// Another worker holds the lease; skip without counting a tick.
			logger.Debug().Str("run_id", runID).Msg("lease held elsewhere, skipping")
			continue
		}

		if err := w.tickLeased(ctx, runID, ownerID, env, lane, leaseTTL); err != nil {
			return summary, err
		}

		summary.RunsTicked++
		summary.TicksUsed++
		metrics.TicksTotal.WithLabelValues(env, lane).Inc()
	}

	if eventsAfter, err := w.bus.CountAll(ctx); err == nil {
		summary.EventsAdded = eventsAfter - eventsBefore
	}
	return summary, nil
}

// tickLeased performs one guarded tick. The lease is released on every exit
// path, including ticker errors.
func (w *Worker) tickLeased(ctx context.Context, runID, ownerID, env, lane string, leaseTTL time.Duration) (err error) {
	defer func() {
		if relErr := w.leases.Release(ctx, runID, ownerID); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if err := w.bus.Publish(ctx, runID, events.TypeWorkerTickRequested, map[string]any{
		"run_id": runID, "owner_id": ownerID, "env": env, "lane": lane,
	}); err != nil {
		return fmt.Errorf("publish tick requested: %w", err)
	}

	if _, err := w.ticker.TickRun(ctx, runID); err != nil {
		return fmt.Errorf("tick run %s: %w", runID, err)
	}

	// Best effort: the iteration is about to release anyway.
	if _, err := w.leases.Renew(ctx, runID, ownerID, leaseTTL); err != nil {
		log.FromContext(ctx).Warn().Err(err).Str("run_id", runID).Msg("lease renew failed")
	}
	return nil
}
