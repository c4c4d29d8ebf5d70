package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds an int64 gauge by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordLedgerCommit(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLedgerCommit(ctx, "package_backed_up", "success", 3*time.Millisecond)
	RecordLedgerCommit(ctx, "package_backed_up", "success", 5*time.Millisecond)
	RecordLedgerCommit(ctx, "apk_backed_up", "io_error", time.Millisecond)
	RecordLedgerRollback(ctx, "apk_backed_up")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "appvault_ledger_commits_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "op", "package_backed_up"):
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "success"))
		case hasAttr(dp.Attributes, "op", "apk_backed_up"):
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "io_error"))
		default:
			t.Fatalf("unexpected data point %v", dp.Attributes)
		}
	}

	hist := findHistogram(rm, "appvault_ledger_commit_duration_seconds")
	require.Len(t, hist, 2)

	rollbacks := findCounter(rm, "appvault_ledger_rollbacks_total")
	require.Len(t, rollbacks, 1)
	require.EqualValues(t, 1, rollbacks[0].Value)
}

func TestSetPackagesNotBackedUp(t *testing.T) {
	reader := setupTestMetrics(t)

	SetPackagesNotBackedUp(context.Background(), 4)
	SetPackagesNotBackedUp(context.Background(), 2)

	dps := findGauge(collectMetrics(t, reader), "appvault_ledger_packages_not_backed_up")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2, dps[0].Value)
}

func TestRecordCacheOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheOp(context.Background(), "cache", "write", "success", time.Millisecond, 128)
	RecordCacheOp(context.Background(), "cache", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "appvault_cache_requests_total"), 2)

	bytesDps := findCounter(rm, "appvault_cache_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 128, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write"))
}

func TestRecordLayoutAndListing(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLayoutResolution(ctx, "kv", "success")
	RecordLayoutResolution(ctx, "kv", "success")
	RecordListingWait(ctx, "timeout", 2*time.Minute)

	rm := collectMetrics(t, reader)

	res := findCounter(rm, "appvault_layout_resolutions_total")
	require.Len(t, res, 1)
	require.EqualValues(t, 2, res[0].Value)
	require.True(t, hasAttr(res[0].Attributes, "level", "kv"))

	waits := findCounter(rm, "appvault_listing_waits_total")
	require.Len(t, waits, 1)
	require.True(t, hasAttr(waits[0].Attributes, "outcome", "timeout"))

	hist := findHistogram(rm, "appvault_listing_wait_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordLedgerCommit(ctx, "op", "success", time.Millisecond)
	RecordLedgerRollback(ctx, "op")
	SetPackagesNotBackedUp(ctx, 1)
	RecordCacheOp(ctx, "cache", "read", "success", time.Millisecond, 1)
	RecordLayoutResolution(ctx, "root", "error")
	RecordListingWait(ctx, "loaded", time.Millisecond)
	RecordRemoteRequest(ctx, "s3", "get", time.Millisecond, 1, "success")
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
