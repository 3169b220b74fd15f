package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are registered globally on the default registry, so every
// client instance in a process reports into the same series.

// namespace defines the global prefix for all metrics (e.g., flagsync_...).
const namespace = "flagsync"

// fetchBuckets covers flag and goal requests against a remote service.
// Range: 10ms to 10s.
var fetchBuckets = []float64{.010, .025, .050, .100, .250, .500, 1, 2.5, 5, 10}

// Stream state values exported by StreamState.
const (
	StreamStateInactive   = 0
	StreamStateConnecting = 1
	StreamStateOpen       = 2
	StreamStateClosed     = 3
)

var (
	// -------------------------------------------------------------------------
	// REQUESTOR
	// -------------------------------------------------------------------------

	// FetchDuration measures the latency of flag and goal fetches.
	// Metric: flagsync_requestor_fetch_duration_seconds
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "requestor",
		Name:      "fetch_duration_seconds",
		Help:      "Time taken to fetch flag settings or goals",
		Buckets:   fetchBuckets,
	}, []string{"kind"}) // flags, goals

	// FetchTotal counts fetches by outcome.
	// Metric: flagsync_requestor_fetch_total
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requestor",
		Name:      "fetch_total",
		Help:      "Total flag and goal fetches by outcome",
	}, []string{"kind", "outcome"}) // outcome: success, not_found, error, malformed

	// FetchCoalesced counts callers served by an identical in-flight request.
	FetchCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requestor",
		Name:      "fetch_coalesced_total",
		Help:      "Total fetch callers that shared an in-flight request",
	})

	// -------------------------------------------------------------------------
	// STREAM
	// -------------------------------------------------------------------------

	// StreamState exposes the push channel state (0 inactive, 1 connecting, 2 open, 3 closed).
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "state",
		Help:      "Current push channel state",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Total push channel reconnection attempts",
	})

	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "messages_total",
		Help:      "Total push channel messages received",
	}, []string{"mode"}) // ping, user

	// -------------------------------------------------------------------------
	// FLAGS
	// -------------------------------------------------------------------------

	FlagChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flags",
		Name:      "changes_total",
		Help:      "Total per-key flag changes applied",
	})

	// EvaluationsSuppressed counts evaluation events skipped by the dedup window.
	EvaluationsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flags",
		Name:      "evaluations_suppressed_total",
		Help:      "Total evaluation events suppressed by the dedup window",
	})

	// -------------------------------------------------------------------------
	// EVENTS
	// -------------------------------------------------------------------------

	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "enqueued_total",
		Help:      "Total analytics events accepted into the queue",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total analytics events dropped",
	}, []string{"reason"}) // disabled, do_not_track, sampled, send_failed

	EventsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "flushed_total",
		Help:      "Total analytics events handed to the transport",
	})

	ChunksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "chunks_sent_total",
		Help:      "Total event chunks sent",
	}, []string{"status"}) // success, fail

	// -------------------------------------------------------------------------
	// POLLING
	// -------------------------------------------------------------------------

	// PollCycles counts background refresh cycles by outcome.
	// Metric: flagsync_syncer_cycles_total
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycles_total",
		Help:      "Total background flag refresh cycles",
	}, []string{"outcome"}) // success, fetch_error, apply_error

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "cycle_duration_seconds",
		Help:      "Time taken by a background refresh cycle",
		Buckets:   fetchBuckets,
	})

	// -------------------------------------------------------------------------
	// CONTROL API (HTTP)
	// -------------------------------------------------------------------------

	// ControlReqDuration measures the latency of control API requests.
	// Metric: flagsync_control_http_handling_seconds
	ControlReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle control API requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ControlReqTotal counts control API requests.
	// Metric: flagsync_control_http_requests_total
	ControlReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "http_requests_total",
		Help:      "Total control API requests",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// STORAGE
	// -------------------------------------------------------------------------

	StorageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage operations by driver, operation and status",
	}, []string{"driver", "op", "status"})
)
