// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for ShopRAG.
//
// # Description
//
// Prometheus metrics for the ask pipeline:
//   - Request counters by outcome
//   - Cache lookups by result
//   - Per-stage latency histograms
//   - Answer parse results (ok, repaired, fallback)
//   - Background summarization results
//   - Rate-limited requests
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "shoprag"

// Metrics holds all Prometheus collectors for the service.
//
// # Fields
//
//   - AskRequestsTotal: Ask requests by outcome
//   - CacheLookupsTotal: Response cache lookups by result (hit, miss, error, skipped)
//   - StageDurationSeconds: Latency of each pipeline stage
//   - AnswerParseTotal: LLM answer parse results
//   - SummariesTotal: Memory summarization results
//   - RateLimitedTotal: Requests rejected by the rate limiter
type Metrics struct {
	AskRequestsTotal     *prometheus.CounterVec
	CacheLookupsTotal    *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	AnswerParseTotal     *prometheus.CounterVec
	SummariesTotal       *prometheus.CounterVec
	RateLimitedTotal     prometheus.Counter
}

// NewMetrics creates and registers all collectors with reg.
//
// # Inputs
//
//   - reg: Registry to register with. prometheus.DefaultRegisterer in
//     production, a fresh prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AskRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ask_requests_total",
				Help:      "Total number of ask requests by outcome",
			},
			[]string{"outcome"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each ask pipeline stage in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		AnswerParseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "answer_parse_total",
				Help:      "LLM answer parse results",
			},
			[]string{"result"},
		),

		SummariesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "summaries_total",
				Help:      "Memory summarization results",
			},
			[]string{"result"},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limiter",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Outcome labels an ask request.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeCached          Outcome = "cached"
	OutcomeValidation      Outcome = "validation"
	OutcomePolicyViolation Outcome = "policy_violation"
	OutcomeRetrievalError  Outcome = "retrieval_error"
	OutcomeLLMError        Outcome = "llm_error"
	OutcomeUnavailable     Outcome = "unavailable"
	OutcomeInternal        Outcome = "internal"
)

// Pipeline stage labels.
const (
	StageHistory   = "history"
	StageCache     = "cache"
	StageEmbed     = "embed"
	StageSearch    = "search"
	StageLLM       = "llm"
	StageEnrich    = "enrich"
	StagePersist   = "persist"
	StageSummarize = "summarize"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAsk records a finished ask request.
func (m *Metrics) RecordAsk(outcome Outcome) {
	if m == nil {
		return
	}
	m.AskRequestsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordCacheLookup records a cache lookup. result is one of hit, miss,
// error or skipped.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveStage records the time elapsed since start for stage.
//
// Example:
//
//	defer metrics.ObserveStage(observability.StageLLM, time.Now())
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordParse records an answer parse result: ok, repaired or fallback.
func (m *Metrics) RecordParse(result string) {
	if m == nil {
		return
	}
	m.AnswerParseTotal.WithLabelValues(result).Inc()
}

// RecordSummary records a summarization result: ok, fallback, skipped or error.
func (m *Metrics) RecordSummary(result string) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(result).Inc()
}

// RecordRateLimited increments the rate-limited counter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
