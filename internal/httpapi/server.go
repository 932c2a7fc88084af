// SPDX-License-Identifier: MIT

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/forgeops/forged/internal/audit"
	"github.com/forgeops/forged/internal/config"
	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/log"
	"github.com/forgeops/forged/internal/policy"
	"github.com/forgeops/forged/internal/registry"
	"github.com/forgeops/forged/internal/run"
	"github.com/forgeops/forged/internal/worker"
)

// BuildInfo carries provenance stamped at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Server wires the control API handlers to their backing components. All
// dependencies are injected; nothing is global.
type Server struct {
	runs     *run.Store
	bus      *events.Bus
	registry *registry.Registry
	kill     *registry.KillSwitch
	audit    *audit.Log
	worker   *worker.Worker
	policy   *policy.Loader
	settings config.Settings
	guard    worker.GuardStatus
	build    BuildInfo

	logger    zerolog.Logger
	startedAt time.Time
}

// Deps bundles the server's injected dependencies.
type Deps struct {
	Runs     *run.Store
	Bus      *events.Bus
	Registry *registry.Registry
	Kill     *registry.KillSwitch
	Audit    *audit.Log
	Worker   *worker.Worker
	Policy   *policy.Loader
	Settings config.Settings
	Guard    worker.GuardStatus
	Build    BuildInfo
}

// NewServer constructs the control API server.
func NewServer(d Deps) *Server {
	return &Server{
		runs:      d.Runs,
		bus:       d.Bus,
		registry:  d.Registry,
		kill:      d.Kill,
		audit:     d.Audit,
		worker:    d.Worker,
		policy:    d.Policy,
		settings:  d.Settings,
		guard:     d.Guard,
		build:     d.Build,
		logger:    log.WithComponent("httpapi"),
		startedAt: time.Now(),
	}
}

// Routes builds the full HTTP handler, instrumented for tracing.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.accessLog)
	r.Use(recoverPanics)

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/autonomy/v2", func(r chi.Router) {
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/events", s.handleRunEvents)
		r.Get("/runs/{runID}/events/stream", s.handleRunEventStream)
		r.Get("/worker/status", s.handleWorkerStatus)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(30, time.Minute))
			r.Use(s.requireAdmin)
			r.Post("/worker/tick_once", s.handleTickOnce)
			r.Post("/kill_switch/lane", s.handleKillSwitchLane)
			r.Get("/admin/status", s.handleAdminStatus)
		})
	})

	return otelhttp.NewHandler(r, "forged.httpapi")
}
