// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Trigger describes what started a reinitialization cycle. Kind is a small
// closed set suitable for metric labels; Detail carries the specific source
// (a file path, a signal name) and only appears in logs and the journal.
type Trigger struct {
	Kind   string
	Detail string
}

// Trigger kinds.
const (
	TriggerStartup    = "startup"
	TriggerFileChange = "file-change"
	TriggerSignal     = "signal"
	TriggerControl    = "control"
	TriggerManual     = "manual"
)

// Invocation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

var (
	reloadCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_reload_cycles_total",
			Help: "Reinitialization cycles by trigger kind and terminal state.",
		},
		[]string{"trigger", "state"},
	)

	reloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plexus_reload_duration_seconds",
			Help:    "Wall time of reinitialization cycles.",
			Buckets: prometheus.DefBuckets,
		},
	)

	pluginsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plexus_plugins_loaded",
			Help: "Plugins in the active registry generation.",
		},
	)

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_dispatches_total",
			Help: "Event dispatches by event name.",
		},
		[]string{"event"},
	)

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_plugin_invocations_total",
			Help: "Plugin invocations by plugin and status.",
		},
		[]string{"plugin", "status"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plexus_invocation_duration_seconds",
			Help:    "Wall time of individual plugin invocations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin"},
	)
)

// RegisterMetrics registers all plugin host metrics with the given
// registerer. Call once at startup.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		reloadCycles,
		reloadDuration,
		pluginsLoaded,
		dispatches,
		invocations,
		invocationDuration,
	)
}

func recordCycle(trigger, state string, plugins int, elapsed time.Duration) {
	reloadCycles.WithLabelValues(trigger, state).Inc()
	reloadDuration.Observe(elapsed.Seconds())
	if state == StateCommitted.String() {
		pluginsLoaded.Set(float64(plugins))
	}
}

func recordInvocation(plugin, status string, elapsed time.Duration) {
	invocations.WithLabelValues(plugin, status).Inc()
	if status != StatusSkipped {
		invocationDuration.WithLabelValues(plugin).Observe(elapsed.Seconds())
	}
}
