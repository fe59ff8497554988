package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_engine"

var (
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Observations processed, by source",
		},
		[]string{"source"},
	)

	ProcessErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_errors_total",
			Help:      "Observations whose processing failed",
		},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Alert decisions, by action and dispatch mode",
		},
		[]string{"action", "mode"},
	)

	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transitions, by direction and target stage",
		},
		[]string{"direction", "to_stage"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts, by channel and result",
		},
		[]string{"channel", "result"},
	)

	SourceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Time spent fetching observations from a source",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ScanCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cycles_total",
			Help:      "Completed scan cycles",
		},
	)

	StreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Stream listener reconnect attempts",
		},
	)

	TrackedTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_tokens",
			Help:      "Tokens held in the state store after the last retention sweep",
		},
	)
)
