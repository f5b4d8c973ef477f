// Package observe provides application-wide observability primitives for
// Nexsus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Nexsus metrics.
const meterName = "github.com/nexsuslabs/nexsus"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per sync stage ---

	// FetchDuration tracks record-source fetch latency per chunk.
	FetchDuration metric.Float64Histogram

	// EmbedDuration tracks embedding-provider call latency per batch.
	EmbedDuration metric.Float64Histogram

	// UpsertDuration tracks store upsert latency per batch.
	UpsertDuration metric.Float64Histogram

	// --- Counters ---

	// RecordsSynced counts records upserted. Use with attribute:
	//   attribute.String("model", ...)
	RecordsSynced metric.Int64Counter

	// RecordsFailed counts records that landed in the DLQ. Use with attributes:
	//   attribute.String("model", ...), attribute.String("stage", ...)
	RecordsFailed metric.Int64Counter

	// GraphEdges counts graph-edge upserts by source model.
	GraphEdges metric.Int64Counter

	// CyclesDetected counts cascade re-entries skipped by the visited set.
	CyclesDetected metric.Int64Counter

	// BreakerTransitions counts circuit-breaker state changes. Use with
	// attributes: attribute.String("service", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// OrphansFound counts dangling FK references discovered by validation
	// and repair runs, by target model.
	OrphansFound metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the cascade scheduler's queued work items.
	QueueDepth metric.Int64UpDownCounter

	// DLQSize tracks the dead-letter queue's current entry count.
	DLQSize metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batched I/O against an ERP, an embedding API, and Postgres.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FetchDuration, err = m.Float64Histogram("nexsus.sync.fetch.duration",
		metric.WithDescription("Latency of record-source fetch chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("nexsus.sync.embed.duration",
		metric.WithDescription("Latency of embedding batches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpsertDuration, err = m.Float64Histogram("nexsus.sync.upsert.duration",
		metric.WithDescription("Latency of store upsert batches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RecordsSynced, err = m.Int64Counter("nexsus.sync.records",
		metric.WithDescription("Total records upserted, by model."),
	); err != nil {
		return nil, err
	}
	if met.RecordsFailed, err = m.Int64Counter("nexsus.sync.failures",
		metric.WithDescription("Total records dead-lettered, by model and failure stage."),
	); err != nil {
		return nil, err
	}
	if met.GraphEdges, err = m.Int64Counter("nexsus.sync.graph_edges",
		metric.WithDescription("Total graph-edge upserts, by source model."),
	); err != nil {
		return nil, err
	}
	if met.CyclesDetected, err = m.Int64Counter("nexsus.cascade.cycles",
		metric.WithDescription("Total cascade cycles skipped by the visited set."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("nexsus.breaker.transitions",
		metric.WithDescription("Total circuit-breaker state transitions, by service and new state."),
	); err != nil {
		return nil, err
	}
	if met.OrphansFound, err = m.Int64Counter("nexsus.integrity.orphans",
		metric.WithDescription("Total dangling FK references found, by target model."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("nexsus.cascade.queue_depth",
		metric.WithDescription("Work items currently queued in the cascade scheduler."),
	); err != nil {
		return nil, err
	}
	if met.DLQSize, err = m.Int64UpDownCounter("nexsus.dlq.size",
		metric.WithDescription("Entries currently held in the dead-letter queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("nexsus.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSynced increments the records-synced counter for model.
func (m *Metrics) RecordSynced(ctx context.Context, model string, n int64) {
	m.RecordsSynced.Add(ctx, n, metric.WithAttributes(attribute.String("model", model)))
}

// RecordFailed increments the failure counter for model at stage.
func (m *Metrics) RecordFailed(ctx context.Context, model, stage string, n int64) {
	m.RecordsFailed.Add(ctx, n, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("stage", stage),
	))
}

// RecordOrphans increments the orphan counter for targetModel.
func (m *Metrics) RecordOrphans(ctx context.Context, targetModel string, n int64) {
	m.OrphansFound.Add(ctx, n, metric.WithAttributes(attribute.String("target_model", targetModel)))
}

// RecordBreakerTransition increments the breaker-transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, service, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}
