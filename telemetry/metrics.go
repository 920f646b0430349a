package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/card-stats"
)

// Lookup results recorded by RecordLookup.
const (
	LookupFresh     = "fresh"
	LookupStale     = "stale"
	LookupMiss      = "miss"
	LookupCoalesced = "coalesced"
)

// Scrape outcomes recorded by RecordScrape.
const (
	ScrapeOK       = "ok"
	ScrapeAnomaly  = "anomaly"
	ScrapeFailed   = "failed"
	ScrapeDegraded = "degraded"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	lookupsTotal        metric.Int64Counter
	scrapesTotal        metric.Int64Counter
	scrapeDuration      metric.Float64Histogram
	anomalyRetriesTotal metric.Int64Counter

	gateActive        metric.Int64UpDownCounter
	gateAcquiresTotal metric.Int64Counter
	gateWaitsTotal    metric.Int64Counter

	syncBatchesTotal metric.Int64Counter
	syncEntriesTotal metric.Int64Counter

	remoteOpDuration metric.Float64Histogram
	remoteOpsTotal   metric.Int64Counter
	prunedTotal      metric.Int64Counter
	pruneDuration    metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "card-stats"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	if m.requestsTotal, err = meter.Int64Counter(
		"card_stats_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"card_stats_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"card_stats_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"card_stats_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"card_stats_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of outbound requests to the origin site or sync server"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"card_stats_upstream_fetch_total",
		metric.WithDescription("Total number of outbound requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"card_stats_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from outbound responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.lookupsTotal, err = meter.Int64Counter(
		"card_stats_lookups_total",
		metric.WithDescription("Count lookups by cache result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.scrapesTotal, err = meter.Int64Counter(
		"card_stats_scrapes_total",
		metric.WithDescription("Completed scrape resolutions by outcome"),
		metric.WithUnit("{scrape}"),
	); err != nil {
		return nil, err
	}

	if m.scrapeDuration, err = meter.Float64Histogram(
		"card_stats_scrape_duration_seconds",
		metric.WithDescription("Duration of scrape resolutions including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.anomalyRetriesTotal, err = meter.Int64Counter(
		"card_stats_anomaly_retries_total",
		metric.WithDescription("Owners anomalies by whether a retry was scheduled"),
		metric.WithUnit("{anomaly}"),
	); err != nil {
		return nil, err
	}

	if m.gateActive, err = meter.Int64UpDownCounter(
		"card_stats_gate_active",
		metric.WithDescription("Scrape sequences currently holding a gate slot"),
		metric.WithUnit("{sequence}"),
	); err != nil {
		return nil, err
	}

	if m.gateAcquiresTotal, err = meter.Int64Counter(
		"card_stats_gate_acquires_total",
		metric.WithDescription("Gate acquisitions by whether the limit was overridden"),
		metric.WithUnit("{acquire}"),
	); err != nil {
		return nil, err
	}

	if m.gateWaitsTotal, err = meter.Int64Counter(
		"card_stats_gate_waits_total",
		metric.WithDescription("Poll waits spent on a full gate"),
		metric.WithUnit("{wait}"),
	); err != nil {
		return nil, err
	}

	if m.syncBatchesTotal, err = meter.Int64Counter(
		"card_stats_sync_batches_total",
		metric.WithDescription("Sync batches by operation and outcome"),
		metric.WithUnit("{batch}"),
	); err != nil {
		return nil, err
	}

	if m.syncEntriesTotal, err = meter.Int64Counter(
		"card_stats_sync_entries_total",
		metric.WithDescription("Sync entries by operation and outcome"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.remoteOpDuration, err = meter.Float64Histogram(
		"card_stats_remote_op_duration_seconds",
		metric.WithDescription("Duration of remote store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.remoteOpsTotal, err = meter.Int64Counter(
		"card_stats_remote_ops_total",
		metric.WithDescription("Total remote store operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.prunedTotal, err = meter.Int64Counter(
		"card_stats_remote_pruned_total",
		metric.WithDescription("Remote entries deleted for age"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.pruneDuration, err = meter.Float64Histogram(
		"card_stats_remote_prune_duration_seconds",
		metric.WithDescription("Duration of remote prune cycles"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Cache result and endpoint are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	cacheResult, endpoint := string(CacheNA), ""
	if t := TagsFrom(r.Context()); t != nil {
		cacheResult, endpoint = string(t.Cache), t.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {method, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordUpstreamFetch records an outbound request. target is "origin" or "sync".
func RecordUpstreamFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordLookup records a count lookup and how the cache answered it.
func RecordLookup(ctx context.Context, metricName, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric", metricName),
		attribute.String("result", result),
	))
}

// RecordScrape records a finished scrape resolution.
func RecordScrape(ctx context.Context, metricName, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("metric", metricName),
		attribute.String("outcome", outcome),
	)
	globalMetrics.scrapesTotal.Add(ctx, 1, attrs)
	globalMetrics.scrapeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAnomalyRetry records an owners anomaly.
func RecordAnomalyRetry(ctx context.Context, metricName string, scheduled bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.anomalyRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric", metricName),
		attribute.Bool("scheduled", scheduled),
	))
}

// RecordGateActive adjusts the number of held gate slots.
func RecordGateActive(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gateActive.Add(ctx, delta)
}

// RecordGateAcquire records a slot acquisition after the given number of waits.
func RecordGateAcquire(ctx context.Context, waits int, forced bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gateAcquiresTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
	if waits > 0 {
		globalMetrics.gateWaitsTotal.Add(ctx, int64(waits))
	}
}

// RecordSyncBatch records one push or pull batch. op is "push", "pull" or
// "pull_all"; outcome is "success" or "error".
func RecordSyncBatch(ctx context.Context, op, outcome string, entries int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.syncBatchesTotal.Add(ctx, 1, attrs)
	globalMetrics.syncEntriesTotal.Add(ctx, int64(entries), attrs)
}

// RecordSyncEntries records entries by their result within a sync operation,
// for example "accepted" or "skipped".
func RecordSyncEntries(ctx context.Context, op, outcome string, n int) {
	if globalMetrics == nil || n == 0 {
		return
	}
	globalMetrics.syncEntriesTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordRemoteOp records a remote store operation.
func RecordRemoteOp(ctx context.Context, backend, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPrune records one prune cycle's deleted count and duration.
func RecordPrune(ctx context.Context, backend string, deleted int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	globalMetrics.prunedTotal.Add(ctx, deleted, attrs)
	globalMetrics.pruneDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Outcome maps an error to the "success"/"error" outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
