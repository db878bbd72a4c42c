package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerOpsTotal counts spend/grant operations by outcome
	// (applied, replayed, insufficient, error).
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scriptly",
		Subsystem: "billing",
		Name:      "ledger_ops_total",
		Help:      "Total ledger spend/grant operations by outcome.",
	}, []string{"op", "outcome"})

	// WebhookRequestsTotal counts provider webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scriptly",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing provider webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scriptly",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileTotal counts reconciliation runs by trigger and outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scriptly",
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Total subscription reconciliation runs by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	// CycleGrantsTotal counts monthly cycle grants by plan.
	CycleGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scriptly",
		Subsystem: "billing",
		Name:      "cycle_grants_total",
		Help:      "Total monthly credit grants applied, by plan slug.",
	}, []string{"plan"})
)
