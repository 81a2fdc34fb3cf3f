/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the core's Prometheus collectors: HTTP request
// shape for the sync boundary (C6), per-stage ingest counters (C4),
// conflict-queue gauges (C5), and spatial-query latency (C2).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the core registers. A nil *Metrics is
// valid everywhere it is consumed — every recording method below
// tolerates it so instrumentation can be skipped in tests without a
// conditional at every call site.
type Metrics struct {
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	ingestStage   *prometheus.CounterVec
	ingestRecords *prometheus.CounterVec
	conflictQueue *prometheus.GaugeVec
	spatialQuery  *prometheus.HistogramVec
}

// NewMetrics registers every collector against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers every collector against reg, letting
// tests use an isolated *prometheus.Registry per run.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trrcms_http_request_duration_seconds",
			Help:    "Duration of sync-boundary HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint", "status"}),
		httpInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trrcms_http_requests_in_flight",
			Help: "Number of sync-boundary HTTP requests currently being served.",
		}),
		ingestStage: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trrcms_ingest_stage_total",
			Help: "Count of ingest pipeline stage outcomes.",
		}, []string{"stage", "outcome"}),
		ingestRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trrcms_ingest_records_total",
			Help: "Count of records processed by the ingest pipeline, by entity kind and outcome.",
		}, []string{"entity_kind", "outcome"}),
		conflictQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trrcms_conflict_queue_size",
			Help: "Number of conflicts currently in the review queue, by priority.",
		}, []string{"priority"}),
		spatialQuery: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trrcms_spatial_query_duration_seconds",
			Help:    "Duration of spatial query service operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation", "backend"}),
	}
}

// ObserveIngestStage records one outcome ("ok", "warning", "error") for
// a named pipeline stage (signature_check, manifest_parse, ...).
func (m *Metrics) ObserveIngestStage(stage, outcome string) {
	if m == nil {
		return
	}
	m.ingestStage.WithLabelValues(stage, outcome).Inc()
}

// ObserveIngestRecord records one record's terminal outcome ("valid",
// "invalid", "duplicate", "committed", "failed") for an entity kind.
func (m *Metrics) ObserveIngestRecord(entityKind, outcome string) {
	if m == nil {
		return
	}
	m.ingestRecords.WithLabelValues(entityKind, outcome).Inc()
}

// SetConflictQueueSize publishes the current queue depth for priority.
func (m *Metrics) SetConflictQueueSize(priority string, size int) {
	if m == nil {
		return
	}
	m.conflictQueue.WithLabelValues(priority).Set(float64(size))
}

// ObserveSpatialQuery records a spatial.Service operation's duration in
// seconds, labeled by operation name and backend ("scan" or "indexed").
func (m *Metrics) ObserveSpatialQuery(operation, backend string, seconds float64) {
	if m == nil {
		return
	}
	m.spatialQuery.WithLabelValues(operation, backend).Observe(seconds)
}

// Handler returns the /metrics HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
