// Package metrics provides Prometheus metrics for MailWatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mailwatch"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// RateLimitedTotal counts requests refused by a rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by a rate limiter, by limiter scope",
		},
		[]string{"scope"},
	)
)

// Ingestion metrics
var (
	// IngestBatchesTotal counts ingest batches by outcome.
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Total ingest batches by outcome",
		},
		[]string{"outcome"},
	)

	// IngestSamplesAccepted counts committed samples.
	IngestSamplesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "samples_accepted_total",
			Help:      "Total samples committed to the store",
		},
	)

	// IngestSamplesRejected counts samples rejected by validation.
	IngestSamplesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "samples_rejected_total",
			Help:      "Total samples rejected by validation",
		},
	)

	// IngestAuthFailures counts rejected credentials.
	IngestAuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "auth_failures_total",
			Help:      "Total batches rejected for bad or missing credentials",
		},
	)

	// IngestCommitDuration tracks store commit latency per batch.
	IngestCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "commit_duration_seconds",
			Help:      "Store commit latency per batch",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// HeartbeatsTotal counts node heartbeats.
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "heartbeats_total",
			Help:      "Total node heartbeats received",
		},
	)
)

// Scanner metrics
var (
	// ProbesTotal counts reputation probes by provider and outcome.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "probes_total",
			Help:      "Total reputation probes by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProbeDuration tracks probe latency per provider.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "probe_duration_seconds",
			Help:      "Reputation probe latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	// ScanCycleDuration tracks full cycle duration.
	ScanCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "cycle_duration_seconds",
			Help:      "Scan cycle duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// ListedResources is the number of resources listed in the last cycle.
	ListedResources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "listed_resources",
			Help:      "Resources with at least one listing in the last cycle",
		},
	)
)

// Alerting metrics
var (
	// AlertTransitionsTotal counts state machine transitions.
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "transitions_total",
			Help:      "Total alert state transitions",
		},
		[]string{"from", "to"},
	)

	// AlertEvaluationErrors counts rules skipped for an evaluation error.
	AlertEvaluationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "evaluation_errors_total",
			Help:      "Total rule evaluations skipped due to errors",
		},
	)

	// AlertTickDuration tracks how long one evaluation tick takes.
	AlertTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "tick_duration_seconds",
			Help:      "Evaluation tick duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// AlertRulesLoaded is the number of rules currently loaded.
	AlertRulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "rules_loaded",
			Help:      "Number of alert rules currently loaded",
		},
	)
)

// Notification metrics
var (
	// NotificationsTotal counts channel deliveries by type and status.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Total channel deliveries by type and status",
		},
		[]string{"type", "status"},
	)

	// NotificationDuration tracks delivery latency per channel type.
	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "delivery_duration_seconds",
			Help:      "Channel delivery latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)
)

// BuildInfo is 1, labeled with the running build.
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the running server",
	},
	[]string{"version", "commit", "goversion"},
)
