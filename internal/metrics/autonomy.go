// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus metrics for the autonomy subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forged_runs_created_total",
		Help: "Total number of runs created, by env and lane",
	}, []string{"env", "lane"})

	RunsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forged_runs_terminal_total",
		Help: "Total number of runs that reached a terminal status",
	}, []string{"status"})

	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forged_worker_ticks_total",
		Help: "Total number of worker ticks, by env and lane",
	}, []string{"env", "lane"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forged_events_published_total",
		Help: "Total number of run events persisted, by event type",
	}, []string{"event_type"})

	SubscriberDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forged_event_subscriber_drops_total",
		Help: "Total number of live events dropped due to slow subscribers",
	})

	LeaseConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forged_lease_conflicts_total",
		Help: "Total number of lease acquisitions refused because the lease was held",
	})

	AdminAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forged_admin_auth_failures_total",
		Help: "Total number of rejected admin requests",
	})
)

// IncEventPublished records a persisted run event.
func IncEventPublished(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}
