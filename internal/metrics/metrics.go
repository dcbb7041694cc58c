package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// ReportsIngested counts position reports by outcome (accepted, stale, low_accuracy, invalid, unknown_mission, error)
	ReportsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_reports_total", Help: "Position reports by ingest outcome."},
		[]string{"outcome"},
	)
	// GeofenceEvents counts edge-triggered crossings
	GeofenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_events_total", Help: "Geofence crossings by site role and kind."},
		[]string{"role", "kind"},
	)
	// Transitions counts accepted status changes
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mission_transitions_total", Help: "Mission status transitions."},
		[]string{"from", "to", "cause"},
	)
	// RejectedTriggers counts triggers refused by the state machine
	RejectedTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mission_rejected_triggers_total", Help: "Triggers rejected as invalid transitions."},
		[]string{"trigger"},
	)
	// DeviationAlerts counts raised deviation alerts
	DeviationAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mission_deviation_alerts_total", Help: "Deviation alerts by reason."},
		[]string{"reason"},
	)

	// ETARequests counts estimator calls by outcome (ok, fallback, unavailable)
	ETARequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "eta_requests_total", Help: "ETA estimates by outcome."},
		[]string{"outcome"},
	)
	// ETALatency tracks provider latency in seconds
	ETALatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "eta_provider_latency_seconds", Help: "ETA provider latency in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5}},
		[]string{"outcome"},
	)

	// ReconcileEntries counts replayed buffer entries by outcome
	ReconcileEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconcile_entries_total", Help: "Offline buffer entries replayed by outcome."},
		[]string{"kind", "outcome"},
	)
	// ReconcileDuration records batch processing time in seconds
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "reconcile_duration_seconds", Help: "Offline buffer reconciliation duration.", Buckets: prometheus.DefBuckets},
	)

	// Notifications counts outbound notifications by sink and outcome
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_total", Help: "Outbound notifications by sink and outcome."},
		[]string{"sink", "outcome"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			ReportsIngested, GeofenceEvents, Transitions, RejectedTriggers, DeviationAlerts,
			ETARequests, ETALatency,
			ReconcileEntries, ReconcileDuration,
			Notifications,
			WebhookDeliveries, WebhookLatency,
		)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
