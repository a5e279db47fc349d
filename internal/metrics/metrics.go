// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageDuration observes wall-clock seconds per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leadpipe",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stage executions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// StageOutcomes counts stage executions by outcome (ok, error, fallback, skipped).
	StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadpipe",
		Name:      "stage_outcomes_total",
		Help:      "Pipeline stage executions by outcome.",
	}, []string{"stage", "outcome"})

	// ProviderFailovers counts provider calls that failed over to the next provider.
	ProviderFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadpipe",
		Name:      "provider_failovers_total",
		Help:      "Provider calls that failed and moved to the next provider.",
	}, []string{"provider"})

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadpipe",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"breaker", "to"})

	// CacheRequests counts cache lookups by tier and result (hit, miss).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadpipe",
		Name:      "cache_requests_total",
		Help:      "Cache lookups by tier and result.",
	}, []string{"tier", "result"})

	// Deliveries counts outbound delivery attempts by final status.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadpipe",
		Name:      "deliveries_total",
		Help:      "Outbound message deliveries by final status.",
	}, []string{"status"})

	// BudgetSpent tracks the cumulative daily generation spend.
	BudgetSpent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadpipe",
		Name:      "provider_budget_spent",
		Help:      "Cumulative generation cost debited against the daily budget.",
	})

	// TurnsByStage counts completed turns by the conversation stage they
	// ended in.
	TurnsByStage = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadpipe",
		Name:      "turns_by_stage_total",
		Help:      "Completed turns by resulting conversation stage.",
	}, []string{"stage"})
)
