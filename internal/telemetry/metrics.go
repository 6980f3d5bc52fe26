package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/docforge/docforge"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Job lifecycle metrics
	JobsSubmittedTotal   metric.Int64Counter
	JobsFinishedTotal    metric.Int64Counter
	PipelineRetriesTotal metric.Int64Counter
	PipelineCallDuration metric.Float64Histogram

	// Stream metrics
	ActiveStreams         metric.Int64UpDownCounter
	ActiveSubscribers     metric.Int64UpDownCounter
	SnapshotsDroppedTotal metric.Int64Counter
	HeartbeatsTotal       metric.Int64Counter

	// Side effect metrics
	ShareLinkFallbacksTotal metric.Int64Counter
	NotifyFailuresTotal     metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.JobsSubmittedTotal, _ = meter.Int64Counter(
		"docforge.jobs.submitted.total",
		metric.WithDescription("Total number of generation jobs accepted"),
		metric.WithUnit("{job}"),
	)

	m.JobsFinishedTotal, _ = meter.Int64Counter(
		"docforge.jobs.finished.total",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
		metric.WithUnit("{job}"),
	)

	m.PipelineRetriesTotal, _ = meter.Int64Counter(
		"docforge.pipeline.retries.total",
		metric.WithDescription("Total number of pipeline call retries"),
		metric.WithUnit("{retry}"),
	)

	m.PipelineCallDuration, _ = meter.Float64Histogram(
		"docforge.pipeline.call.duration",
		metric.WithDescription("Duration of pipeline generation calls"),
		metric.WithUnit("ms"),
	)

	m.ActiveStreams, _ = meter.Int64UpDownCounter(
		"docforge.streams.active",
		metric.WithDescription("Number of open SSE connections"),
		metric.WithUnit("{stream}"),
	)

	m.ActiveSubscribers, _ = meter.Int64UpDownCounter(
		"docforge.store.subscribers.active",
		metric.WithDescription("Number of registered store subscribers"),
		metric.WithUnit("{subscriber}"),
	)

	m.SnapshotsDroppedTotal, _ = meter.Int64Counter(
		"docforge.store.snapshots.dropped.total",
		metric.WithDescription("Total number of snapshots dropped due to slow subscribers"),
		metric.WithUnit("{snapshot}"),
	)

	m.HeartbeatsTotal, _ = meter.Int64Counter(
		"docforge.streams.heartbeats.total",
		metric.WithDescription("Total number of SSE heartbeats written"),
		metric.WithUnit("{heartbeat}"),
	)

	m.ShareLinkFallbacksTotal, _ = meter.Int64Counter(
		"docforge.share.fallbacks.total",
		metric.WithDescription("Total number of restricted link failures that fell back"),
		metric.WithUnit("{fallback}"),
	)

	m.NotifyFailuresTotal, _ = meter.Int64Counter(
		"docforge.notify.failures.total",
		metric.WithDescription("Total number of completion notifications that ultimately failed"),
		metric.WithUnit("{notification}"),
	)

	return m
}
