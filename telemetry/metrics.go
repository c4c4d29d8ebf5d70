// Package telemetry records OpenTelemetry metrics for the backup ledger and
// the storage layout, exported through Prometheus and optionally OTLP.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/appvault"
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

	// EnablePrometheus enables the Prometheus /metrics handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	ledgerCommitsTotal   metric.Int64Counter
	ledgerCommitDuration metric.Float64Histogram
	ledgerRollbacksTotal metric.Int64Counter
	packagesNotBackedUp  metric.Int64Gauge

	cacheRequestsTotal   metric.Int64Counter
	cacheRequestDuration metric.Float64Histogram
	cacheBytesTotal      metric.Int64Counter

	layoutResolutionsTotal metric.Int64Counter
	listingWaitDuration    metric.Float64Histogram
	listingWaitsTotal      metric.Int64Counter

	remoteRequestsTotal   metric.Int64Counter
	remoteRequestDuration metric.Float64Histogram
	remoteBytesTotal      metric.Int64Counter

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
		cfg.ServiceName = "appvault"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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

	if m.ledgerCommitsTotal, err = meter.Int64Counter(
		"appvault_ledger_commits_total",
		metric.WithDescription("Ledger mutations by operation and outcome"),
		metric.WithUnit("{commit}"),
	); err != nil {
		return nil, err
	}

	if m.ledgerCommitDuration, err = meter.Float64Histogram(
		"appvault_ledger_commit_duration_seconds",
		metric.WithDescription("Time spent encoding and persisting the ledger"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.ledgerRollbacksTotal, err = meter.Int64Counter(
		"appvault_ledger_rollbacks_total",
		metric.WithDescription("Ledger mutations reverted after a persistence failure"),
		metric.WithUnit("{rollback}"),
	); err != nil {
		return nil, err
	}

	if m.packagesNotBackedUp, err = meter.Int64Gauge(
		"appvault_ledger_packages_not_backed_up",
		metric.WithDescription("Non-system packages whose last backup did not store APK and data"),
		metric.WithUnit("{package}"),
	); err != nil {
		return nil, err
	}

	if m.cacheRequestsTotal, err = meter.Int64Counter(
		"appvault_cache_requests_total",
		metric.WithDescription("Local cache backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.cacheRequestDuration, err = meter.Float64Histogram(
		"appvault_cache_request_duration_seconds",
		metric.WithDescription("Local cache backend operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.cacheBytesTotal, err = meter.Int64Counter(
		"appvault_cache_bytes_total",
		metric.WithDescription("Bytes moved through the local cache backend"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.layoutResolutionsTotal, err = meter.Int64Counter(
		"appvault_layout_resolutions_total",
		metric.WithDescription("Storage layout directory resolutions by level and outcome"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, err
	}

	if m.listingWaitDuration, err = meter.Float64Histogram(
		"appvault_listing_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for a directory provider to finish loading children"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}

	if m.listingWaitsTotal, err = meter.Int64Counter(
		"appvault_listing_waits_total",
		metric.WithDescription("Blocking directory listings that had to wait, by outcome"),
		metric.WithUnit("{wait}"),
	); err != nil {
		return nil, err
	}

	if m.remoteRequestsTotal, err = meter.Int64Counter(
		"appvault_remote_requests_total",
		metric.WithDescription("HTTP requests issued to remote storage providers"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteRequestDuration, err = meter.Float64Histogram(
		"appvault_remote_request_duration_seconds",
		metric.WithDescription("Remote storage request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.remoteBytesTotal, err = meter.Int64Counter(
		"appvault_remote_bytes_total",
		metric.WithDescription("Response bytes read from remote storage providers"),
		metric.WithUnit("By"),
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

// RecordLedgerCommit records one modify-then-commit attempt.
// outcome is "success", "io_error" or "rejected".
func RecordLedgerCommit(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.ledgerCommitsTotal.Add(ctx, 1, attrs)
	globalMetrics.ledgerCommitDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLedgerRollback records a mutation reverted to its snapshot.
func RecordLedgerRollback(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.ledgerRollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// SetPackagesNotBackedUp records the current count of packages not backed up.
func SetPackagesNotBackedUp(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.packagesNotBackedUp.Record(ctx, int64(n))
}

// RecordCacheOp records a local cache backend operation.
func RecordCacheOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.cacheRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.cacheBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordLayoutResolution records the resolution of one storage layout level
// ("storage", "root", "set", "kv", "full").
func RecordLayoutResolution(ctx context.Context, level, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.layoutResolutionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("outcome", outcome),
	))
}

// RecordListingWait records a blocking listing that waited for its provider.
// outcome is "loaded", "timeout" or "canceled".
func RecordListingWait(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.listingWaitsTotal.Add(ctx, 1, attrs)
	globalMetrics.listingWaitDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRemoteRequest records an HTTP request made to a remote storage provider.
func RecordRemoteRequest(ctx context.Context, provider, operation string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.remoteRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
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

// noopExporter is a metric exporter that discards all data.
// Used when no exporters are configured but we still want to collect metrics.
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
