// Package simplecache is a response cache adapter for the pipeline host.
// It answers calls from a persistent store while their entries are alive
// and stores successful JSON and text responses.
package simplecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cleverplatypus/apihive-adapter-simple-cache/cache"
	cachemeta "github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/cache-meta"
	contenttype "github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/content-type"
	"github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/pipeline"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultCacheName is the namespace used when Config.CacheName is empty.
	DefaultCacheName = "apihive-simple-cache"
	adapterName      = "simple-cache"
	meterName        = "github.com/cleverplatypus/apihive-adapter-simple-cache"
)

type Config struct {
	// Storage namespace. Adapters using the same name share their entries.
	CacheName string
	// Optional predicate vetoing caching for calls without an explicit cache setting.
	Filter func(*pipeline.RequestConfig) bool
	// Clear the namespace on attach instead of removing expired entries.
	Clear bool
	// Storage for cache entries.
	// The process-wide SQLite store for CacheName in Dir is used if nil.
	Store cache.Store
	// Directory of the SQLite databases. Empty means a shared in-memory database.
	Dir string
	// Optional cron spec for removing expired entries periodically.
	// Both 5-field and 6-field (with seconds) specs are accepted, as well as descriptors like @every 10m.
	SweepSchedule string
	// Logger to use until the host provides one. A console logger is used if nil.
	Logger *zerolog.Logger
	// Provider for the cache metrics. The global provider is used if nil.
	MeterProvider metric.MeterProvider
	// Time source, time.Now if nil.
	Clock func() time.Time
}

type Adapter struct {
	name    string
	store   cache.Store
	filter  func(*pipeline.RequestConfig) bool
	clear   bool
	now     func() time.Time
	metrics *metrics

	schedule cron.Schedule
	sweepMux sync.Mutex
	sweeper  *cron.Cron

	logMux sync.RWMutex
	log    zerolog.Logger

	startOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates the adapter. Storage is opened lazily on first use.
func New(config Config) (*Adapter, error) {
	name := config.CacheName
	if name == "" {
		name = DefaultCacheName
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	store := config.Store
	if store == nil {
		s, err := cache.SQLite(config.Dir, name)
		if err != nil {
			return nil, err
		}
		store = s
	}

	provider := config.MeterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m, err := newMetrics(provider.Meter(meterName), name)
	if err != nil {
		return nil, fmt.Errorf("simplecache: create metrics: %w", err)
	}

	a := &Adapter{
		name:    name,
		store:   store,
		filter:  config.Filter,
		clear:   config.Clear,
		now:     config.Clock,
		metrics: m,
		log:     logger.With().Str("cache", name).Logger(),
		ready:   make(chan struct{}),
	}
	if a.now == nil {
		a.now = time.Now
	}
	if config.SweepSchedule != "" {
		schedule, err := cronParser.Parse(config.SweepSchedule)
		if err != nil {
			return nil, fmt.Errorf("simplecache: invalid sweep schedule %q: %w", config.SweepSchedule, err)
		}
		a.schedule = schedule
	}
	return a, nil
}

func (a *Adapter) Name() string {
	return adapterName
}

func (a *Adapter) Priority() pipeline.Priority {
	return pipeline.Priority{Request: pipeline.First, Response: pipeline.First}
}

func (a *Adapter) Dependencies() []pipeline.Feature {
	return []pipeline.Feature{pipeline.FeatureRequestHash}
}

// CacheName returns the storage namespace.
func (a *Adapter) CacheName() string {
	return a.name
}

func (a *Adapter) logger() *zerolog.Logger {
	a.logMux.RLock()
	l := a.log
	a.logMux.RUnlock()
	return &l
}

// OnAttach switches to the host logger and starts clearing or sweeping the namespace.
// Interceptors wait for that task before touching the store.
func (a *Adapter) OnAttach(ctx context.Context, handle pipeline.Handle) error {
	if handle != nil {
		if hostLogger := handle.Logger(); hostLogger != nil {
			a.logMux.Lock()
			a.log = hostLogger.With().Str("cache", a.name).Logger()
			a.logMux.Unlock()
		}
	}
	a.start(ctx)
	if a.schedule != nil {
		a.startSweeper()
	}
	return nil
}

func (a *Adapter) start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.prepare(context.WithoutCancel(ctx))
	})
}

// prepare clears or sweeps the namespace. Failures are logged only.
func (a *Adapter) prepare(ctx context.Context) {
	defer close(a.ready)
	if a.clear {
		if err := a.store.Clear(ctx); err != nil {
			a.storeFailed(ctx, "clear", err)
			return
		}
		a.logger().Debug().Msg("Cache cleared on attach")
		return
	}
	a.sweep(ctx)
}

func (a *Adapter) sweep(ctx context.Context) {
	removed, err := a.store.CleanupExpired(ctx, a.now())
	if err != nil {
		a.storeFailed(ctx, "cleanup", err)
		return
	}
	a.logger().Debug().Int64("removed", removed).Msg("Expired entries removed")
}

// Ready blocks until the attach-time clear or sweep is done.
// It starts that task if the adapter was never attached.
func (a *Adapter) Ready(ctx context.Context) error {
	a.start(ctx)
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decide resolves the effective cache configuration of a call and whether it may be cached.
// Only malformed configuration is an error.
func (a *Adapter) decide(config *pipeline.RequestConfig) (cachemeta.Config, bool, error) {
	current, err := cachemeta.ResolveScoped(metaScope(config), config.Meta[cachemeta.Key])
	if err != nil {
		return cachemeta.Config{}, false, err
	}
	api, err := cachemeta.ResolveAPI(config.APIMeta())
	if err != nil {
		return cachemeta.Config{}, false, err
	}
	if !current.Enabled() {
		return current, false, nil
	}
	if a.filter == nil {
		return current, true, nil
	}
	if isExplicitCache(config, api, current) {
		return current, true, nil
	}
	if !a.filter(config) {
		a.logger().Trace().Str("endpoint", config.EndpointName).Msg("Call filtered out")
		return current, false, nil
	}
	return current, true, nil
}

// isExplicitCache reports whether the call carries its own cache setting, which the filter cannot veto.
func isExplicitCache(config *pipeline.RequestConfig, api cachemeta.APILevel, current cachemeta.Config) bool {
	return cachemeta.IsExplicit(api, cachemeta.HasKey(config.EndpointMeta()), current)
}

// metaScope names the layer the effective cache value comes from.
func metaScope(config *pipeline.RequestConfig) string {
	switch {
	case cachemeta.HasKey(config.CallMeta):
		return "request"
	case cachemeta.HasKey(config.EndpointMeta()):
		return "endpoint"
	}
	return "api"
}

// InterceptRequest answers the call from the store when a live entry exists.
func (a *Adapter) InterceptRequest(ctx context.Context, config *pipeline.RequestConfig, controls pipeline.Controls) (any, bool, error) {
	if err := a.Ready(ctx); err != nil {
		return nil, false, nil
	}
	cfg, ok, err := a.decide(config)
	if err != nil || !ok {
		return nil, false, err
	}
	log := a.logger()
	if _, err := controls.FinaliseURL(); err != nil {
		log.Debug().Err(err).Msg("Could not finalise URL, not caching")
		return nil, false, nil
	}
	hash, err := controls.GetHash(cfg.HashBody)
	if err != nil {
		log.Debug().Err(err).Msg("Request hash unavailable, not caching")
		return nil, false, nil
	}
	entry, found, err := a.store.Get(ctx, hash)
	if err != nil {
		a.storeFailed(ctx, "get", err)
		a.metrics.miss(ctx)
		return nil, false, nil
	}
	if !found || entry.Expired(a.now()) {
		log.Trace().Str("key", hash).Bool("expired", found).Msg("Cache miss")
		a.metrics.miss(ctx)
		return nil, false, nil
	}
	log.Trace().Str("key", hash).Time("expiry", entry.ExpiresAt).Msg("Cache hit")
	a.metrics.hit(ctx)
	return entry.Body, true, nil
}

// InterceptResponse stores successful JSON and text responses.
func (a *Adapter) InterceptResponse(ctx context.Context, res *http.Response, config *pipeline.RequestConfig, controls pipeline.Controls) error {
	cfg, ok, err := a.decide(config)
	if err != nil || !ok {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil
	}
	log := a.logger()
	body, ok, err := contenttype.Extract(res)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read response body, not caching")
		return nil
	}
	if !ok {
		log.Trace().Str("content-type", res.Header.Get("Content-Type")).Msg("Content type not cacheable")
		return nil
	}
	hash, err := controls.GetHash(cfg.HashBody)
	if err != nil {
		log.Debug().Err(err).Msg("Request hash unavailable, not caching")
		return nil
	}
	if err := a.Ready(ctx); err != nil {
		return nil
	}
	now := a.now()
	entry := cache.Entry{
		Hash:      hash,
		Body:      body,
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.TTL),
	}
	if err := a.store.Set(ctx, entry); err != nil {
		a.storeFailed(ctx, "set", err)
		return nil
	}
	log.Debug().Str("key", hash).Time("expiry", entry.ExpiresAt).Msg("Response cached")
	a.metrics.write(ctx)
	return nil
}

func (a *Adapter) storeFailed(ctx context.Context, op string, err error) {
	a.metrics.storeError(ctx, op)
	log := a.logger()
	switch {
	case errors.Is(err, cache.ErrStorageUnavailable):
		log.Warn().Err(err).Str("op", op).Msg("Cache storage unavailable")
	case op == "clear" || op == "cleanup":
		log.Error().Err(err).Str("op", op).Msg("Could not prepare cache")
	default:
		log.Warn().Err(err).Str("op", op).Msg("Cache store operation failed")
	}
}

// ClearCache removes every entry of the namespace.
func (a *Adapter) ClearCache(ctx context.Context) error {
	if err := a.Ready(ctx); err != nil {
		return err
	}
	return a.store.Clear(ctx)
}

// Invalidate removes the entry stored under the given request hash.
func (a *Adapter) Invalidate(ctx context.Context, hash string) error {
	if err := a.Ready(ctx); err != nil {
		return err
	}
	return a.store.Delete(ctx, hash)
}

// Sweep removes expired entries and returns how many were removed.
func (a *Adapter) Sweep(ctx context.Context) (int64, error) {
	if err := a.Ready(ctx); err != nil {
		return 0, err
	}
	return a.store.CleanupExpired(ctx, a.now())
}

// Close stops the sweeper and releases the store.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.stopSweeper()
		err = a.store.Close()
	})
	return err
}

var (
	_ pipeline.Adapter             = (*Adapter)(nil)
	_ pipeline.RequestInterceptor  = (*Adapter)(nil)
	_ pipeline.ResponseInterceptor = (*Adapter)(nil)
)
