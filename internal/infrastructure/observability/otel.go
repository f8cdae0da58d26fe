package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zatekoja/clinicalvalidation"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestCount       metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	LLMRequestCount    metric.Int64Counter
	LLMRequestDuration metric.Float64Histogram
	LLMErrorCount      metric.Int64Counter
	SearchFallback     metric.Int64Counter
	ContextCacheHit    metric.Int64Counter
	ContextCacheMiss   metric.Int64Counter
	ValidationAttempts metric.Int64Counter
	IndexedDocuments   metric.Int64Counter
}

// Setup initializes OpenTelemetry tracing and metric export, plus Go runtime
// metrics. The returned function flushes and shuts both providers down.
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		return nil, err
	}

	shutdown := func(ctx context.Context) error {
		traceErr := tracerProvider.Shutdown(ctx)
		if err := meterProvider.Shutdown(ctx); err != nil {
			return err
		}
		return traceErr
	}
	return shutdown, nil
}

// InitMetrics initializes application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.RequestCount, err = meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.LLMRequestCount, err = meter.Int64Counter("ai.llm.request.count",
		metric.WithDescription("Number of LLM provider calls")); err != nil {
		return nil, err
	}
	if m.LLMRequestDuration, err = meter.Float64Histogram("ai.llm.request.duration",
		metric.WithDescription("LLM provider call duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.LLMErrorCount, err = meter.Int64Counter("ai.llm.request.errors",
		metric.WithDescription("Number of failed LLM provider calls")); err != nil {
		return nil, err
	}
	if m.SearchFallback, err = meter.Int64Counter("search.fallback.count",
		metric.WithDescription("Number of queries answered by the relational fallback")); err != nil {
		return nil, err
	}
	if m.ContextCacheHit, err = meter.Int64Counter("context.cache.hit",
		metric.WithDescription("Context string cache hits")); err != nil {
		return nil, err
	}
	if m.ContextCacheMiss, err = meter.Int64Counter("context.cache.miss",
		metric.WithDescription("Context string cache misses")); err != nil {
		return nil, err
	}
	if m.ValidationAttempts, err = meter.Int64Counter("validation.attempt.count",
		metric.WithDescription("Recorded validation attempts by outcome")); err != nil {
		return nil, err
	}
	if m.IndexedDocuments, err = meter.Int64Counter("search.index.documents",
		metric.WithDescription("Documents upserted into the search cache")); err != nil {
		return nil, err
	}

	return m, nil
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, spanName)
}

// RecordError records an error in the current span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}

// SetSpanAttributes sets attributes on a span
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// RecordRequestMetric records an HTTP request
func RecordRequestMetric(ctx context.Context, metrics *Metrics, method, path string, statusCode int, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", statusCode),
	)
	metrics.RequestCount.Add(ctx, 1, attrs)
	metrics.RequestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordLLMCall records one provider invocation
func RecordLLMCall(ctx context.Context, metrics *Metrics, provider, model, status string, duration time.Duration, failed bool) {
	if metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	metrics.LLMRequestCount.Add(ctx, 1, attrs)
	metrics.LLMRequestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if failed {
		metrics.LLMErrorCount.Add(ctx, 1, attrs)
	}
}

// RecordSearchFallback records a query that fell back to the relational store
func RecordSearchFallback(ctx context.Context, metrics *Metrics, reason string) {
	if metrics == nil {
		return
	}
	metrics.SearchFallback.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordContextCache records a context cache lookup
func RecordContextCache(ctx context.Context, metrics *Metrics, hit bool) {
	if metrics == nil {
		return
	}
	if hit {
		metrics.ContextCacheHit.Add(ctx, 1)
		return
	}
	metrics.ContextCacheMiss.Add(ctx, 1)
}

// RecordValidationAttempt records a stored attempt
func RecordValidationAttempt(ctx context.Context, metrics *Metrics, outcome string) {
	if metrics == nil {
		return
	}
	metrics.ValidationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordIndexedDocuments records documents written during a rebuild
func RecordIndexedDocuments(ctx context.Context, metrics *Metrics, index, kind string, n int) {
	if metrics == nil {
		return
	}
	metrics.IndexedDocuments.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("index", index),
		attribute.String("kind", kind),
	))
}
