// Package metrics holds the Prometheus collectors for the escalation
// scheduler and the page dispatcher. They are registered with the default
// registry, which /metrics serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for PendingProcessed.
const (
	OutcomeNotified = "notified"
	OutcomeStale    = "stale"
	OutcomeOrphaned = "orphaned"
	OutcomeNoOncall = "no_oncall"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
	OutcomeSkipped  = "skipped"
)

var (
	PendingCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_pending_escalations_created_total",
		Help: "Total number of pending escalations scheduled",
	}, []string{"status"})
	PendingCanceled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_pending_escalations_canceled_total",
		Help: "Total number of pending escalations canceled by a status change",
	}, []string{"status"})
	// Outcome is one of the Outcome* constants.
	PendingProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_pending_escalations_processed_total",
		Help: "Total number of due pending escalations handled by the sweep, by outcome",
	}, []string{"outcome"})
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "escalator_sweep_duration_seconds",
		Help:    "Duration of one due-item sweep",
		Buckets: prometheus.DefBuckets,
	})
	SweepDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escalator_sweep_due_items",
		Help: "Number of due pending escalations found by the last sweep",
	})

	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_notifications_sent_total",
		Help: "Total number of pages delivered, by channel",
	}, []string{"channel"})
	NotificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_notifications_failed_total",
		Help: "Total number of pages that failed to deliver, by channel",
	}, []string{"channel"})
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "escalator_notify_breaker_state",
		Help: "Circuit breaker state per channel (0 closed, 1 half-open, 2 open)",
	}, []string{"channel"})

	ShiftsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escalator_oncall_shifts_persisted_total",
		Help: "Total number of on-call shifts written to history",
	})
	StatusEventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_status_events_consumed_total",
		Help: "Total number of inbound status-change events, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(PendingCreated)
	prometheus.MustRegister(PendingCanceled)
	prometheus.MustRegister(PendingProcessed)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepDue)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(NotificationsFailed)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ShiftsPersisted)
	prometheus.MustRegister(StatusEventsConsumed)
}
