package simplecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/pipeline"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	o := newOrigin(t)
	a := newTestAdapter(t, Config{MeterProvider: provider})
	h := newTestHost(t, a, o, map[string]any{"cache": 60}, map[string]*pipeline.Endpoint{
		"item": {Path: "/items/{id}"},
	})
	mustCall(t, h, "item", item("1"))
	mustCall(t, h, "item", item("1"))
	mustCall(t, h, "item", item("1"))

	sums := collectSums(t, reader)
	expected := map[string]int64{
		"simplecache.hits":   2,
		"simplecache.misses": 1,
		"simplecache.writes": 1,
	}
	for name, value := range expected {
		if sums[name] != value {
			t.Errorf("%s is %d, expected %d", name, sums[name], value)
		}
	}
	if sums["simplecache.store_errors"] != 0 {
		t.Errorf("Unexpected store errors: %d", sums["simplecache.store_errors"])
	}
}

func TestStoreErrorMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	o := newOrigin(t)
	a := newTestAdapter(t, Config{Dir: blocker, MeterProvider: provider})
	h := newTestHost(t, a, o, map[string]any{"cache": 60}, map[string]*pipeline.Endpoint{
		"item": {Path: "/items/{id}"},
	})
	mustCall(t, h, "item", item("1"))

	// attach sweep, get and set all fail
	sums := collectSums(t, reader)
	if sums["simplecache.store_errors"] != 3 {
		t.Fatalf("store_errors is %d", sums["simplecache.store_errors"])
	}
	if sums["simplecache.misses"] != 1 || sums["simplecache.writes"] != 0 {
		t.Fatalf("Sums are %v", sums)
	}
}
