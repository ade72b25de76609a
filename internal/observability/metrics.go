package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zone_dispatch"

var (
	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch results by outcome status"},
		[]string{"outcome"},
	)
	RingSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_ring_searches_total", Help: "Ring searches performed by ring number"},
		[]string{"ring"},
	)
	AssignmentConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_assignment_conflicts_total", Help: "Candidates lost to a concurrent assignment"})
	DispatchLatency          = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch start to assignment or terminal failure",
		Buckets:   []float64{0.01, 0.1, 1, 5, 10, 30, 60, 120, 300},
	})
	SurchargeAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_surcharge_amount",
		Help:      "Cross-zone surcharges offered",
		Buckets:   []float64{25, 30, 40, 50, 75, 100, 150, 250},
	})
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dispatch_active_runs", Help: "Dispatch runs searching or awaiting approval"})

	EventPublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_publish_errors_total", Help: "Failed dispatch event deliveries per sink"},
		[]string{"sink"},
	)
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location reports by result"},
		[]string{"result"},
	)
	DriversMarkedOfflineTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "drivers_marked_offline_total", Help: "Drivers switched offline for inactivity"})
	JanitorRunsTotal          = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "janitor_runs_total", Help: "Background task executions"},
		[]string{"task", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
