package embedder

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	batchCounter   metric.Int64Counter
	textCounter    metric.Int64Counter
	failureCounter metric.Int64Counter
)

// RecordBatch counts one successful provider call and the texts it carried.
func RecordBatch(ctx context.Context, provider, model string, texts int) {
	if err := ensureMetrics(); err != nil || batchCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	batchCounter.Add(ctx, 1, attrs)
	textCounter.Add(ctx, int64(texts), attrs)
}

// RecordFailure counts one failed provider call by error class.
func RecordFailure(ctx context.Context, provider, model, class string) {
	if err := ensureMetrics(); err != nil || failureCounter == nil {
		return
	}
	failureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("class", class),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("qbench.embedder")
		var err error
		batchCounter, err = meter.Int64Counter(
			"qbench_embed_batches_total",
			metric.WithDescription("Number of successful embedding provider calls"),
			metric.WithUnit("1"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
		textCounter, err = meter.Int64Counter(
			"qbench_embed_texts_total",
			metric.WithDescription("Number of texts embedded"),
			metric.WithUnit("1"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
		failureCounter, err = meter.Int64Counter(
			"qbench_embed_failures_total",
			metric.WithDescription("Number of failed embedding provider calls by class"),
			metric.WithUnit("1"),
		)
		metricsInitErr = err
	})
	return metricsInitErr
}
