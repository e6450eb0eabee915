package simplecache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	hits        metric.Int64Counter
	misses      metric.Int64Counter
	writes      metric.Int64Counter
	storeErrors metric.Int64Counter
	cacheName   attribute.KeyValue
}

func newMetrics(meter metric.Meter, cacheName string) (*metrics, error) {
	hits, err := meter.Int64Counter(
		"simplecache.hits",
		metric.WithDescription("Calls answered from the cache"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter(
		"simplecache.misses",
		metric.WithDescription("Cacheable calls not found in the cache"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}
	writes, err := meter.Int64Counter(
		"simplecache.writes",
		metric.WithDescription("Responses written to the cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	storeErrors, err := meter.Int64Counter(
		"simplecache.store_errors",
		metric.WithDescription("Failed cache store operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		hits:        hits,
		misses:      misses,
		writes:      writes,
		storeErrors: storeErrors,
		cacheName:   attribute.String("cache", cacheName),
	}, nil
}

func (m *metrics) hit(ctx context.Context) {
	m.hits.Add(ctx, 1, metric.WithAttributes(m.cacheName))
}

func (m *metrics) miss(ctx context.Context) {
	m.misses.Add(ctx, 1, metric.WithAttributes(m.cacheName))
}

func (m *metrics) write(ctx context.Context) {
	m.writes.Add(ctx, 1, metric.WithAttributes(m.cacheName))
}

func (m *metrics) storeError(ctx context.Context, op string) {
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(m.cacheName, attribute.String("op", op)))
}
