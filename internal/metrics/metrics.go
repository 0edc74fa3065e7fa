package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest and evaluation
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_observations_total",
			Help: "Observations handled, by outcome",
		},
		[]string{"outcome"}, // rejected, stale, first_sighting, below_threshold, triggered, failed, ...
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricewatch_batch_duration_seconds",
			Help:    "Time taken to process one observation batch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricewatch_batch_size",
			Help:    "Observations per batch received",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)

	// Alerts
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_alerts_total",
			Help: "Alert store writes, by action",
		},
		[]string{"action"}, // created, refreshed, acknowledged, failed
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_notifications_total",
			Help: "Notification attempts, by channel and status",
		},
		[]string{"channel", "status"}, // status: sent, failed, suppressed, not_configured
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
