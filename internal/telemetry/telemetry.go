package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	strategyDecisions   metric.Int64Counter
	cacheLookups        metric.Int64Counter
	downloadsTotal      metric.Int64Counter
	downloadsActive     metric.Int64UpDownCounter
	downloadDuration    metric.Float64Histogram
	downloadBytes       metric.Int64Counter
	evictionsTotal      metric.Int64Counter
	evictedBytes        metric.Int64Counter
	fallbacksTotal      metric.Int64Counter
	originOperations    metric.Int64Counter
	originErrors        metric.Int64Counter
	originDuration      metric.Float64Histogram
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// Cache occupancy, observed on collection
	cacheObserverMu sync.RWMutex
	cacheObserver   func() (files int64, bytes int64)
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	OTLPEndpoint   string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("service.instance.id", cfg.InstanceID),
	)

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         otel.Tracer(cfg.ServiceName),
		meter:          otel.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer, or a no-op tracer when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// ObserveCache registers the callback reporting cache occupancy.
func (t *Telemetry) ObserveCache(fn func() (files int64, bytes int64)) {
	if t == nil {
		return
	}

	t.cacheObserverMu.Lock()
	t.cacheObserver = fn
	t.cacheObserverMu.Unlock()
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDecision records a strategy engine outcome. Reason must be a bounded label.
func (t *Telemetry) RecordDecision(ctx context.Context, strategy, reason string) {
	if t == nil || t.strategyDecisions == nil {
		return
	}

	t.strategyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("reason", reason),
	))
}

// RecordCacheLookup records a cache hit or miss.
func (t *Telemetry) RecordCacheLookup(ctx context.Context, hit bool) {
	if t == nil || t.cacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	t.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDownload records download metrics.
func (t *Telemetry) RecordDownload(ctx context.Context, status string, bytes int64, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(ctx, 1, attrs)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(ctx, duration.Seconds(), attrs)
	}

	if t.downloadBytes != nil && bytes > 0 {
		t.downloadBytes.Add(ctx, bytes)
	}
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordEviction records removed cache entries by reason (lru, idle, integrity, clear).
func (t *Telemetry) RecordEviction(ctx context.Context, reason string, entries int, bytes int64) {
	if t == nil || entries == 0 {
		return
	}

	attrs := metric.WithAttributes(attribute.String("reason", reason))

	if t.evictionsTotal != nil {
		t.evictionsTotal.Add(ctx, int64(entries), attrs)
	}

	if t.evictedBytes != nil {
		t.evictedBytes.Add(ctx, bytes, attrs)
	}
}

// RecordFallback records a delivery that fell back to direct streaming.
func (t *Telemetry) RecordFallback(ctx context.Context, stage string) {
	if t == nil || t.fallbacksTotal == nil {
		return
	}

	t.fallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordOriginOperation records origin client operation metrics.
func (t *Telemetry) RecordOriginOperation(origin, operation, status, kind string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("origin", origin),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.originOperations != nil {
		t.originOperations.Add(context.Background(), 1, attrs)
	}

	if t.originDuration != nil {
		t.originDuration.Record(context.Background(), duration.Seconds(), attrs)
	}

	if status == "error" && t.originErrors != nil {
		t.originErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("origin", origin),
				attribute.String("operation", operation),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeCacheMetrics(); err != nil {
		return err
	}

	return t.initializeOriginMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeCacheMetrics() error {
	var err error

	t.strategyDecisions, err = t.meter.Int64Counter(
		"strategy_decisions_total",
		metric.WithDescription("Delivery strategy decisions by strategy and reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create strategy_decisions_total counter: %w", err)
	}

	t.cacheLookups, err = t.meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_lookups_total counter: %w", err)
	}

	t.downloadsTotal, err = t.meter.Int64Counter(
		"cache_downloads_total",
		metric.WithDescription("Total number of cache downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"cache_downloads_active",
		metric.WithDescription("Number of in-flight cache downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"cache_download_duration_seconds",
		metric.WithDescription("Cache download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_download_duration histogram: %w", err)
	}

	t.downloadBytes, err = t.meter.Int64Counter(
		"cache_download_bytes_total",
		metric.WithDescription("Bytes written to the cache"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_download_bytes_total counter: %w", err)
	}

	t.evictionsTotal, err = t.meter.Int64Counter(
		"cache_evictions_total",
		metric.WithDescription("Cache entries removed by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_evictions_total counter: %w", err)
	}

	t.evictedBytes, err = t.meter.Int64Counter(
		"cache_evicted_bytes_total",
		metric.WithDescription("Bytes freed from the cache by reason"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_evicted_bytes_total counter: %w", err)
	}

	t.fallbacksTotal, err = t.meter.Int64Counter(
		"delivery_fallbacks_total",
		metric.WithDescription("Deliveries that fell back to direct streaming"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery_fallbacks_total counter: %w", err)
	}

	_, err = t.meter.Int64ObservableGauge(
		"cache_size_bytes",
		metric.WithDescription("Bytes currently held in the local cache"),
		metric.WithUnit("bytes"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if _, bytes, ok := t.observeCache(); ok {
				o.Observe(bytes)
			}

			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_size_bytes gauge: %w", err)
	}

	_, err = t.meter.Int64ObservableGauge(
		"cache_files",
		metric.WithDescription("Files currently held in the local cache"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if files, _, ok := t.observeCache(); ok {
				o.Observe(files)
			}

			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_files gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeOriginMetrics() error {
	var err error

	t.originOperations, err = t.meter.Int64Counter(
		"origin_operations_total",
		metric.WithDescription("Total number of origin storage operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create origin_operations_total counter: %w", err)
	}

	t.originErrors, err = t.meter.Int64Counter(
		"origin_errors_total",
		metric.WithDescription("Total number of origin storage errors by kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create origin_errors_total counter: %w", err)
	}

	t.originDuration, err = t.meter.Float64Histogram(
		"origin_operation_duration_seconds",
		metric.WithDescription("Origin operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create origin_operation_duration histogram: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of metadata store operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Metadata store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) observeCache() (int64, int64, bool) {
	t.cacheObserverMu.RLock()
	fn := t.cacheObserver
	t.cacheObserverMu.RUnlock()

	if fn == nil {
		return 0, 0, false
	}

	files, bytes := fn()

	return files, bytes, true
}
