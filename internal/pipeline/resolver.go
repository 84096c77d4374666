package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-pipeline/internal/cache"
	"github.com/kjstillabower/weather-pipeline/internal/models"
	"github.com/kjstillabower/weather-pipeline/internal/observability"
	"github.com/kjstillabower/weather-pipeline/internal/validation"
)

// ResolverConfig holds cache and timing parameters for resolve calls.
type ResolverConfig struct {
	CacheTTL        time.Duration
	TimeBucket      time.Duration
	StaleMaxAge     time.Duration
	RequestTimeout  time.Duration
	CoalesceTimeout time.Duration
	LocationMinLen  int
	LocationMaxLen  int
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.TimeBucket <= 0 {
		c.TimeBucket = 10 * time.Minute
	}
	if c.StaleMaxAge <= 0 {
		c.StaleMaxAge = time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CoalesceTimeout <= 0 {
		c.CoalesceTimeout = 15 * time.Second
	}
	if c.LocationMinLen <= 0 {
		c.LocationMinLen = 2
	}
	if c.LocationMaxLen <= 0 {
		c.LocationMaxLen = 100
	}
	return c
}

// Resolver is the resolve entry point: cache lookup, request coalescing,
// orchestrated multi-source fetch, and stale fallback, in that order.
type Resolver struct {
	orch      *Orchestrator
	cache     cache.Cache
	coalescer *requestCoalescer
	stampede  *stampedeTracker
	cfg       ResolverConfig
	logger    *zap.Logger
}

// NewResolver wires a Resolver over the orchestrator and cache backend.
func NewResolver(orch *Orchestrator, c cache.Cache, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		orch:      orch,
		cache:     c,
		coalescer: newRequestCoalescer(cfg.CoalesceTimeout),
		stampede:  newStampedeTracker(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Resolve answers a weather query. Identical queries inside the same time
// bucket share one cache key, so concurrent lookups coalesce onto a single
// upstream fetch and repeated lookups are served from cache. When every
// source fails, a stale cached record is served (marked Stale) if one is
// young enough; otherwise the AllSourcesUnavailable error propagates.
func (r *Resolver) Resolve(ctx context.Context, q models.Query) (models.WeatherRecord, error) {
	start := time.Now()

	loc, err := validation.ValidateLocation(q.Location, r.cfg.LocationMinLen, r.cfg.LocationMaxLen)
	if err != nil {
		observability.ResolveDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.WeatherRecord{}, err
	}
	if q.HasCoord {
		if err := validation.ValidateCoordinates(q.Lat, q.Lon); err != nil {
			observability.ResolveDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return models.WeatherRecord{}, err
		}
	}
	q.Location = loc
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}

	observability.RecordWeatherQuery(loc)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	key := cache.Key(loc, q.At, r.cfg.TimeBucket)

	if rec, ok := r.cacheGet(ctx, key); ok {
		observability.CacheHitsTotal.WithLabelValues("fresh").Inc()
		observability.ResolveDuration.WithLabelValues("cached").Observe(time.Since(start).Seconds())
		return r.maskFields(rec, q.Fields), nil
	}

	concurrent := r.stampede.RecordMiss(key)
	defer r.stampede.RecordHit(key)
	if concurrent > 1 {
		locLabel := observability.MetricLocationLabel(loc)
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrent))
		if r.logger != nil {
			r.logger.Warn("cache stampede detected",
				zap.String("queryId", q.ID),
				zap.String("location", loc),
				zap.Int("concurrentMisses", concurrent))
		}
	}

	coalesceStart := time.Now()
	rec, err := r.coalescer.GetOrDo(ctx, key, func() (models.WeatherRecord, error) {
		fetched, ferr := r.orch.Fetch(ctx, q)
		if ferr != nil {
			return models.WeatherRecord{}, ferr
		}
		fetched.Location = loc
		return fetched, nil
	})
	if concurrent > 1 {
		observability.RequestCoalescingHitsTotal.Inc()
		observability.RequestCoalescingWaitSeconds.Observe(time.Since(coalesceStart).Seconds())
	}

	if err != nil {
		if stale, ok := r.staleGet(ctx, key); ok {
			locLabel := observability.MetricLocationLabel(loc)
			observability.CacheHitsTotal.WithLabelValues("stale").Inc()
			observability.StaleServesTotal.WithLabelValues(locLabel).Inc()
			observability.ResolveDuration.WithLabelValues("stale").Observe(time.Since(start).Seconds())
			if r.logger != nil {
				r.logger.Warn("serving stale record, all sources failed",
					zap.String("queryId", q.ID),
					zap.String("location", loc),
					zap.Error(err))
			}
			stale.Stale = true
			return r.maskFields(stale, q.Fields), nil
		}
		observability.ResolveDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.WeatherRecord{}, err
	}

	if cerr := r.cache.Set(ctx, key, rec, r.cfg.CacheTTL); cerr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", "backend").Inc()
		if r.logger != nil {
			r.logger.Warn("cache set failed",
				zap.String("queryId", q.ID),
				zap.Error(cerr))
		}
	}

	observability.ResolveDuration.WithLabelValues("fetched").Observe(time.Since(start).Seconds())
	return r.maskFields(rec, q.Fields), nil
}

func (r *Resolver) cacheGet(ctx context.Context, key string) (models.WeatherRecord, bool) {
	rec, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", "backend").Inc()
		return models.WeatherRecord{}, false
	}
	return rec, ok
}

func (r *Resolver) staleGet(ctx context.Context, key string) (models.WeatherRecord, bool) {
	rec, ok, err := r.cache.GetStale(ctx, key, r.cfg.StaleMaxAge)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("getStale", "backend").Inc()
		return models.WeatherRecord{}, false
	}
	if ok {
		observability.StaleAgeSeconds.Observe(time.Since(rec.ObservedAt).Seconds())
	}
	return rec, ok
}

// maskFields blanks readings the caller did not ask for. An empty field list
// means everything.
func (r *Resolver) maskFields(rec models.WeatherRecord, fields []string) models.WeatherRecord {
	if len(fields) == 0 {
		return rec
	}
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	if !want["temperature"] {
		rec.Temperature = models.Unavail()
	}
	if !want["humidity"] {
		rec.Humidity = models.Unavail()
	}
	if !want["wind"] {
		rec.WindSpeed = models.Unavail()
	}
	if !want["pressure"] {
		rec.Pressure = models.Unavail()
	}
	if !want["conditions"] {
		rec.Conditions = ""
	}
	return rec
}
