// SPDX-License-Identifier: MIT

// Command forged-proof exercises the full run lifecycle end to end against a
// throwaway database: create a noop run, drive the worker until it finishes,
// and verify the event record. Exit code 0 means the proof held.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeops/forged/internal/artifacts"
	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/graph"
	"github.com/forgeops/forged/internal/lease"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/policy"
	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/run"
	"github.com/forgeops/forged/internal/scheduler"
	"github.com/forgeops/forged/internal/storage"
	"github.com/forgeops/forged/internal/worker"
)

func main() {
	dbPath := flag.String("db", "", "database path (default: a temp file, removed afterwards)")
	flag.Parse()

	log.Configure(log.Config{Level: "warn", Service: "forged-proof"})

	if err := prove(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "proof failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("proof passed: noop run created, ticked to success, events in order")
}

func prove(dbPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "forged-proof-*")
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	if dbPath == "" {
		dbPath = filepath.Join(tmpDir, "proof.db")
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	runs := run.NewStore(db)
	bus := events.NewBus(db)
	leases := lease.NewStore(db)
	reg := registry.New(db)
	sched := scheduler.New(db)

	kill, err := registry.NewKillSwitch(ctx, reg)
	if err != nil {
		return fmt.Errorf("init kill switch: %w", err)
	}
	gate := policy.NewLoader(reg)

	artifactWriter, err := artifacts.NewWriter(filepath.Join(tmpDir, "artifacts"))
	if err != nil {
		return fmt.Errorf("init artifacts: %w", err)
	}

	ticker := graph.NewTicker(runs, bus, gate, artifactWriter)
	wrk := worker.New(sched, leases, ticker, bus, kill)

	runID, err := runs.Create(ctx, run.CreateParams{
		Env:         "proof",
		Lane:        "default",
		Mode:        run.ModeDryRun,
		JobType:     "proof",
		RequestedBy: "forged-proof",
		Graph: run.Graph{
			EntryStep: "noop",
			Steps:     map[string]run.Step{"noop": {ID: "noop", Kind: graph.StepKindNoop}},
		},
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	caps := scheduler.Caps{
		MaxTotalTicksPerInvocation:  1,
		MaxTicksPerRunPerInvocation: 1,
		DailyTickCap:                100,
	}
	summary, err := wrk.TickOnce(ctx, "proof", "default", "proof", caps, lease.DefaultTTL)
	if err != nil {
		return fmt.Errorf("tick once: %w", err)
	}
	if summary.RunsTicked != 1 {
		return fmt.Errorf("expected 1 ticked run, got %d", summary.RunsTicked)
	}

	final, err := runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if final.Status != run.StatusSucceeded {
		return fmt.Errorf("expected status %q, got %q", run.StatusSucceeded, final.Status)
	}
	if final.FinishedAt == nil {
		return fmt.Errorf("finished run has no finished_at")
	}

	recorded, err := bus.Replay(ctx, runID, 50)
	if err != nil {
		return fmt.Errorf("replay events: %w", err)
	}
	var types []string
	for _, ev := range recorded {
		if ev.Type == events.TypeWorkerTickRequested {
			continue
		}
		types = append(types, ev.Type)
	}
	want := []string{
		events.TypeRunStarted,
		events.TypeStepStarted,
		events.TypeStepSucceeded,
		events.TypeRunSucceeded,
	}
	if len(types) != len(want) {
		return fmt.Errorf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			return fmt.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	return nil
}
