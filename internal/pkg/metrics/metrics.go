// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billing"

var (
	// WebhookRequestsTotal counts webhook deliveries by provider, event type and ack outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Total provider webhook deliveries by provider, event type and outcome.",
	}, []string{"provider", "event_type", "outcome"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	RegistrationsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_finalized_total",
		Help:      "Finalize attempts by outcome (created, existing, expired, error).",
	}, []string{"outcome"})

	PaymentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_recorded_total",
		Help:      "Ledger rows written by payment status.",
	}, []string{"status"})

	// UnmappedProviderStatus counts provider statuses that fell back to ACTIVE.
	UnmappedProviderStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmapped_provider_status_total",
		Help:      "Provider subscription statuses missing from the mapping table.",
	}, []string{"provider", "status"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation job runs by job and result.",
	}, []string{"job", "result"})

	InvoiceDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invoice_deliveries_total",
		Help:      "Best-effort invoice email deliveries by result.",
	}, []string{"result"})
)
