// Package metrics provides Prometheus instrumentation for the brewva gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics.
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewva_active_connections",
		Help: "Number of currently open client connections.",
	})

	FramesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewva_frames_received_total",
		Help: "Total number of request frames received from clients.",
	})

	EventsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brewva_events_sent_total",
		Help: "Total number of event frames delivered to clients.",
	}, []string{"event"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brewva_requests_total",
		Help: "Total number of gateway requests by method and outcome.",
	}, []string{"method", "code"})
)

// Session supervisor metrics.
var (
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewva_active_workers",
		Help: "Number of live session worker processes.",
	})

	OpenQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewva_open_queue_depth",
		Help: "Number of open_session callers waiting for worker capacity.",
	})

	WorkerCrashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewva_worker_crashes_total",
		Help: "Total number of worker processes that exited unexpectedly.",
	})
)

// Turn WAL metrics.
var (
	WALAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewva_wal_appends_total",
		Help: "Total number of WAL records appended.",
	})

	WALTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brewva_wal_transitions_total",
		Help: "Total number of WAL status transitions.",
	}, []string{"status"})
)

// Scheduler metrics.
var (
	HeartbeatFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewva_heartbeat_fired_total",
		Help: "Total number of heartbeat rule firings.",
	})

	IntentFiringsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brewva_intent_firings_total",
		Help: "Total number of schedule intent firings by outcome.",
	}, []string{"outcome"})

	ActiveIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewva_active_intents",
		Help: "Number of schedule intents in active status.",
	})
)
