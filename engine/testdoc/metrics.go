package testdoc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsMu      sync.Mutex
	metricsInitErr error

	toolRequestCounter   metric.Int64Counter
	toolLatencyHist      metric.Float64Histogram
	searchLatencyHist    metric.Float64Histogram
	ingestRecordCounter  metric.Int64Counter
	ingestWarningCounter metric.Int64Counter
	partialResultCounter metric.Int64Counter
)

// RecordToolRequest counts one tool invocation by name and outcome.
func RecordToolRequest(ctx context.Context, tool string, outcome string) {
	if err := ensureMetrics(); err != nil || toolRequestCounter == nil {
		return
	}
	toolRequestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// RecordToolLatency records end-to-end latency of a tool call.
func RecordToolLatency(ctx context.Context, tool string, d time.Duration) {
	if err := ensureMetrics(); err != nil || toolLatencyHist == nil {
		return
	}
	toolLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordSearchLatency records retrieval engine latency by scope.
func RecordSearchLatency(ctx context.Context, scope string, d time.Duration) {
	if err := ensureMetrics(); err != nil || searchLatencyHist == nil {
		return
	}
	searchLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("scope", scope)))
}

// RecordIngestRecords counts processed ingestion records by result.
func RecordIngestRecords(ctx context.Context, source string, result string, n int) {
	if n <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || ingestRecordCounter == nil {
		return
	}
	ingestRecordCounter.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordIngestWarnings counts non-fatal normalisation warnings.
func RecordIngestWarnings(ctx context.Context, source string, n int) {
	if n <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || ingestWarningCounter == nil {
		return
	}
	ingestWarningCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordPartialResult counts searches that lost one fan-out branch.
func RecordPartialResult(ctx context.Context, branch string) {
	if err := ensureMetrics(); err != nil || partialResultCounter == nil {
		return
	}
	partialResultCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("branch", branch)))
}

// ResetMetricsForTesting clears the init-once state between tests.
func ResetMetricsForTesting() {
	metricsMu.Lock()
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	toolRequestCounter = nil
	toolLatencyHist = nil
	searchLatencyHist = nil
	ingestRecordCounter = nil
	ingestWarningCounter = nil
	partialResultCounter = nil
	metricsMu.Unlock()
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("qbench.testdoc")
		metricsInitErr = initMetrics(meter)
	})
	return metricsInitErr
}

func initMetrics(meter metric.Meter) error {
	var err error
	toolRequestCounter, err = meter.Int64Counter(
		"qbench_tool_requests_total",
		metric.WithDescription("Number of tool invocations by tool and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	toolLatencyHist, err = meter.Float64Histogram(
		"qbench_tool_latency_seconds",
		metric.WithDescription("End-to-end latency of tool calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}
	searchLatencyHist, err = meter.Float64Histogram(
		"qbench_search_latency_seconds",
		metric.WithDescription("Latency of hybrid retrieval runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}
	ingestRecordCounter, err = meter.Int64Counter(
		"qbench_ingest_records_total",
		metric.WithDescription("Number of ingestion records processed by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	ingestWarningCounter, err = meter.Int64Counter(
		"qbench_ingest_warnings_total",
		metric.WithDescription("Number of non-fatal warnings raised during ingestion"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	partialResultCounter, err = meter.Int64Counter(
		"qbench_search_partial_results_total",
		metric.WithDescription("Number of searches degraded by a failed fan-out branch"),
		metric.WithUnit("1"),
	)
	return err
}
