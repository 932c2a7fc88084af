// SPDX-License-Identifier: MIT

// Command forged runs the autonomy daemon: the control API, the durable run
// store, and (when the guard allows it) the background worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeops/forged/internal/artifacts"
	"github.com/forgeops/forged/internal/audit"
	"github.com/forgeops/forged/internal/config"
	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/graph"
	"github.com/forgeops/forged/internal/httpapi"
	"github.com/forgeops/forged/internal/lease"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/policy"
	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/run"
	"github.com/forgeops/forged/internal/scheduler"
	"github.com/forgeops/forged/internal/storage"
	"github.com/forgeops/forged/internal/worker"
)

// Set via -ldflags at release time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to optional YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("forged %s (%s, %s)\n", version, commit, buildDate)
		return
	}

	if err := realMain(*configPath); err != nil {
		log.L().Error().Err(err).Msg("forged exited with error")
		os.Exit(1)
	}
}

func realMain(configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{
		Level:   settings.LogLevel,
		Service: "forged",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	runs := run.NewStore(db)
	bus := events.NewBus(db)
	leases := lease.NewStore(db)
	reg := registry.New(db)
	auditLog := audit.NewLog(db)
	sched := scheduler.New(db)

	kill, err := registry.NewKillSwitch(ctx, reg)
	if err != nil {
		return fmt.Errorf("init kill switch: %w", err)
	}
	gate := policy.NewLoader(reg)

	artifactWriter, err := artifacts.NewWriter(settings.ArtifactsDir)
	if err != nil {
		return fmt.Errorf("init artifacts dir: %w", err)
	}

	ticker := graph.NewTicker(runs, bus, gate, artifactWriter)
	wrk := worker.New(sched, leases, ticker, bus, kill)

	guard := worker.CanStartWorker(settings.Worker.Enabled, settings.Worker.ConfiguredPID, os.Getpid())
	logger.Info().
		Bool("worker_enabled", guard.Enabled).
		Str("reason", guard.Reason).
		Int("pid", guard.PID).
		Msg("worker guard evaluated")

	api := httpapi.NewServer(httpapi.Deps{
		Runs:     runs,
		Bus:      bus,
		Registry: reg,
		Kill:     kill,
		Audit:    auditLog,
		Worker:   wrk,
		Policy:   gate,
		Settings: settings,
		Guard:    guard,
		Build: httpapi.BuildInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		},
	})

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", settings.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if guard.Enabled && worker.MarkStartedOnce() {
		runner := worker.NewRunner(wrk, settings.Worker.Env, settings.Worker.Lane,
			time.Duration(settings.Worker.TickIntervalSeconds)*time.Second)
		g.Go(func() error {
			runner.Start(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("forged shut down cleanly")
	return nil
}
