package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_events_published_total",
			Help: "Total events published, by type and priority",
		},
		[]string{"type", "priority"},
	)

	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_events_delivered_total",
			Help: "Total events delivered to subscribers",
		},
		[]string{"subscriber", "type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_events_dropped_total",
			Help: "Total events dropped, by type and reason",
		},
		[]string{"type", "reason"},
	)

	EventsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_events_deadlettered_total",
			Help: "Total events moved to the dead-letter topic",
		},
		[]string{"subscriber", "type"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearthd_handler_duration_seconds",
			Help:    "Event handler execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subscriber", "type"},
	)

	// Policy gate metrics
	IntentDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_intent_decisions_total",
			Help: "Gate decisions, by outcome",
		},
		[]string{"decision"},
	)

	ApprovalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthd_approvals_pending",
			Help: "Number of approvals awaiting resolution",
		},
	)

	// Scheduler metrics
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_job_runs_total",
			Help: "Scheduled job runs, by result",
		},
		[]string{"result"},
	)

	JobsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthd_jobs_enabled",
			Help: "Number of enabled scheduled jobs",
		},
	)

	// Agent metrics
	AgentsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearthd_agents",
			Help: "Agents by state",
		},
		[]string{"state"},
	)

	// Cost metrics
	CostEstimated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_cost_estimated_total",
			Help: "Cumulative estimated cost of gated actions",
		},
	)

	CostActual = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_cost_actual_total",
			Help: "Cumulative actual cost backfilled from cost.actual events",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		EventsDelivered,
		EventsDropped,
		EventsDeadLettered,
		HandlerDuration,
		IntentDecisions,
		ApprovalsPending,
		JobRuns,
		JobsEnabled,
		AgentsByState,
		CostEstimated,
		CostActual,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
