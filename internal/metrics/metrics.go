// Package metrics holds the Prometheus collectors shared by the engine. The
// collectors register on the default registry, which cmd/worker exposes at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmailsSent counts delivery attempts by path (campaign, automation)
	// and outcome (sent, failed).
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audience_emails_total",
		Help: "Email delivery attempts by path and outcome",
	}, []string{"path", "outcome"})

	RecipientsMaterialized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audience_recipients_materialized_total",
		Help: "Campaign recipient rows written by status",
	}, []string{"status"})

	CampaignSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audience_campaign_send_duration_seconds",
		Help:    "Wall time of a completed campaign send run",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
	})

	AutomationSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audience_automation_steps_total",
		Help: "Automation steps executed by step type and ledger status",
	}, []string{"step_type", "status"})

	AutomationEnrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audience_automation_enrollments_total",
		Help: "New automation enrollments by trigger type",
	}, []string{"trigger"})

	// ClaimConflicts counts claims lost to another scheduler instance.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audience_automation_claim_conflicts_total",
		Help: "Automation state claims lost to a concurrent worker",
	})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audience_scheduler_ticks_total",
		Help: "Scheduler loop iterations by job and result",
	}, []string{"job", "result"})

	SchedulerLastTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audience_scheduler_last_tick_timestamp_seconds",
		Help: "Unix time of the last completed scheduler tick",
	})
)
