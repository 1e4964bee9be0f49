// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides the Prometheus metrics of the context
// engine.
//
// # Description
//
// Metrics cover turn outcomes and latency, guardrail decisions, dependency
// fallbacks, the memory backend mode, indexing throughput and event
// transport. Metrics implements the observer interfaces of the turn
// orchestrator, the history indexer and the event transport so those
// packages never import Prometheus.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/AleutianAI/ContextEngine/services/events"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/conversation"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/indexer"
	"github.com/AleutianAI/ContextEngine/services/orchestrator/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "contextengine"

// Metrics holds every collector.
//
// # Fields
//
//   - TurnsTotal: Turns by outcome (answered, stubbed, blocked_input, blocked_output)
//   - TurnDurationSeconds: End-to-end turn latency
//   - GuardrailChecksTotal: Checks by direction (input, output) and status
//   - DependencyFallbacksTotal: Recovered dependency failures by dependency
//   - MemoryBackendMode: 0 while the primary store serves, 1 in fallback
//   - ChunksIndexedTotal: Chunks written to the retrieval store by source
//   - EventsPublishedTotal: Publish attempts by topic and status
//   - EventsDeduplicatedTotal: Duplicate deliveries skipped by topic
//   - IndexerRunsTotal: Indexing cycles by status
type Metrics struct {
	TurnsTotal               *prometheus.CounterVec
	TurnDurationSeconds      prometheus.Histogram
	GuardrailChecksTotal     *prometheus.CounterVec
	DependencyFallbacksTotal *prometheus.CounterVec
	MemoryBackendMode        prometheus.Gauge
	ChunksIndexedTotal       *prometheus.CounterVec
	EventsPublishedTotal     *prometheus.CounterVec
	EventsDeduplicatedTotal  *prometheus.CounterVec
	IndexerRunsTotal         *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Nil uses prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if called twice against the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Total conversation turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn processing time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		GuardrailChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "guardrail_checks_total",
				Help:      "Guardrail checks by direction and status",
			},
			[]string{"direction", "status"},
		),

		DependencyFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dependency_fallbacks_total",
				Help:      "Dependency failures recovered with a fallback",
			},
			[]string{"dependency"},
		),

		MemoryBackendMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "memory_backend_mode",
				Help:      "Memory cache backend: 0 primary, 1 in-process fallback",
			},
		),

		ChunksIndexedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retrieval_chunks_indexed_total",
				Help:      "Chunks written to the retrieval store by source",
			},
			[]string{"source"},
		),

		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_published_total",
				Help:      "Event publish attempts by topic and status",
			},
			[]string{"topic", "status"},
		),

		EventsDeduplicatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_deduplicated_total",
				Help:      "Duplicate event deliveries skipped by topic",
			},
			[]string{"topic"},
		),

		IndexerRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "indexer_runs_total",
				Help:      "History indexing cycles by status",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Observer implementations
// =============================================================================

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(outcome string, duration time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDurationSeconds.Observe(duration.Seconds())
}

// ObserveGuardrail records one guardrail decision.
func (m *Metrics) ObserveGuardrail(direction string, blocked bool) {
	status := "passed"
	if blocked {
		status = "blocked"
	}
	m.GuardrailChecksTotal.WithLabelValues(direction, status).Inc()
}

// ObserveFallback records a recovered dependency failure.
func (m *Metrics) ObserveFallback(dependency string) {
	m.DependencyFallbacksTotal.WithLabelValues(dependency).Inc()
}

// ObserveMemoryMode sets the backend gauge. A switch to fallback also counts
// as a memory_store fallback.
func (m *Metrics) ObserveMemoryMode(mode conversation.Mode) {
	if mode == conversation.ModeFallback {
		m.MemoryBackendMode.Set(1)
		m.ObserveFallback("memory_store")
		return
	}
	m.MemoryBackendMode.Set(0)
}

// ObserveIndexRun records an indexing cycle.
func (m *Metrics) ObserveIndexRun(result indexer.RunResult) {
	status := "success"
	if len(result.Errors) > 0 {
		status = "partial"
	}
	m.IndexerRunsTotal.WithLabelValues(status).Inc()
	m.ChunksIndexedTotal.WithLabelValues("conversation_history").Add(float64(result.ChunksIndexed))
}

// ObserveDocumentIngest records chunks indexed from an uploaded document.
func (m *Metrics) ObserveDocumentIngest(chunksIndexed int) {
	m.ChunksIndexedTotal.WithLabelValues("document").Add(float64(chunksIndexed))
}

// ObservePublish records an event publish attempt.
func (m *Metrics) ObservePublish(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(topic, status).Inc()
}

// ObserveDuplicate records a skipped duplicate delivery.
func (m *Metrics) ObserveDuplicate(topic string) {
	m.EventsDeduplicatedTotal.WithLabelValues(topic).Inc()
}

var (
	_ events.Observer       = (*Metrics)(nil)
	_ indexer.Observer      = (*Metrics)(nil)
	_ services.TurnObserver = (*Metrics)(nil)
)
