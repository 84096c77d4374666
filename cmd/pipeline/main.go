package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-pipeline/internal/cache"
	"github.com/kjstillabower/weather-pipeline/internal/circuitbreaker"
	"github.com/kjstillabower/weather-pipeline/internal/config"
	"github.com/kjstillabower/weather-pipeline/internal/normalize"
	"github.com/kjstillabower/weather-pipeline/internal/observability"
	"github.com/kjstillabower/weather-pipeline/internal/pipeline"
	"github.com/kjstillabower/weather-pipeline/internal/refresh"
	"github.com/kjstillabower/weather-pipeline/internal/scheduler"
	"github.com/kjstillabower/weather-pipeline/internal/source"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	registry := source.NewRegistry()
	norm := normalize.New()
	schedSources := make([]scheduler.SourceConfig, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		adapter, err := buildAdapter(sc, cfg.AttemptTimeout)
		if err != nil {
			logger.Fatal("source adapter", zap.String("source", sc.ID), zap.Error(err))
		}
		if err := registry.Register(adapter); err != nil {
			logger.Fatal("register source", zap.String("source", sc.ID), zap.Error(err))
		}
		parser, err := normalize.ParserForKind(sc.Kind)
		if err != nil {
			logger.Fatal("source parser", zap.String("source", sc.ID), zap.Error(err))
		}
		if err := norm.Register(sc.ID, parser); err != nil {
			logger.Fatal("register parser", zap.String("source", sc.ID), zap.Error(err))
		}
		schedSources = append(schedSources, scheduler.SourceConfig{
			ID:               sc.ID,
			RPS:              sc.RPS,
			Burst:            sc.Burst,
			FailureThreshold: sc.BreakerFailureThreshold,
			SuccessThreshold: sc.BreakerSuccessThreshold,
			BreakerTimeout:   sc.BreakerTimeout,
		})
		logger.Info("source registered",
			zap.String("source", sc.ID),
			zap.String("kind", sc.Kind),
			zap.Float64("rps", sc.RPS),
			zap.Int("burst", sc.Burst))
	}

	sched, err := scheduler.New(scheduler.Config{
		GlobalConcurrency: cfg.GlobalConcurrency,
		RecoverStep:       cfg.RecoverStep,
		PenaltyInitial:    cfg.PenaltyInitial,
		PenaltyMax:        cfg.PenaltyMax,
	}, schedSources, func(src string, from, to circuitbreaker.State) {
		observability.RecordCircuitBreakerTransition(src, from.String(), to.String(), float64(to))
	})
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	observability.RegisterInFlightGauge(func() float64 { return float64(sched.InFlight()) })

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleMaxAge)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		mem := cache.NewInMemoryCache()
		cacheSvc = mem
		logger.Info("cache backend: in_memory")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mem, ok := cacheSvc.(*cache.InMemoryCache); ok {
		mem.StartSweep(rootCtx, cfg.SweepInterval, cfg.StaleMaxAge)
	}

	orch := pipeline.NewOrchestrator(sched, registry, norm, pipeline.OrchestratorConfig{
		Policy:           pipeline.Policy(cfg.Policy),
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		AttemptTimeout:   cfg.AttemptTimeout,
	}, logger)

	resolver := pipeline.NewResolver(orch, cacheSvc, pipeline.ResolverConfig{
		CacheTTL:       cfg.CacheTTL,
		TimeBucket:     cfg.TimeBucket,
		StaleMaxAge:    cfg.StaleMaxAge,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	refresher := refresh.New(resolver, cfg.TrackedLocations, cfg.RefreshInterval, logger)
	if err := refresher.Start(rootCtx); err != nil {
		logger.Fatal("refresh", zap.Error(err))
	}

	router := mux.NewRouter()
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/healthz", healthHandler(cfg, sched, memcacheCloser)).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.OpsPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	refresher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown", zap.Error(err))
	}

	logger.Info("draining in-flight fetches", zap.Int64("count", sched.InFlight()))
	if err := sched.WaitIdle(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight fetches not drained", zap.Error(err), zap.Int64("remaining", sched.InFlight()))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// buildAdapter constructs the adapter for one configured source.
func buildAdapter(sc config.SourceConfig, timeout time.Duration) (source.Adapter, error) {
	switch sc.Kind {
	case "openweather":
		return source.NewOpenWeatherAdapter(sc.ID, sc.APIKey, sc.URL, timeout)
	case "openmeteo":
		return source.NewOpenMeteoAdapter(sc.ID, sc.URL, timeout), nil
	case "bing":
		return source.NewBingScrapeAdapter(sc.ID, sc.URL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

// healthHandler reports per-source health and cache reachability.
func healthHandler(cfg *config.Config, sched *scheduler.Scheduler, mc *cache.MemcachedCache) http.HandlerFunc {
	type sourceStatus struct {
		Breaker             string  `json:"breaker"`
		ConsecutiveFailures int     `json:"consecutiveFailures"`
		BudgetRPS           float64 `json:"budgetRps"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Status  string                  `json:"status"`
			Cache   string                  `json:"cache"`
			Sources map[string]sourceStatus `json:"sources"`
		}{
			Status:  "ok",
			Cache:   "ok",
			Sources: make(map[string]sourceStatus, len(cfg.Sources)),
		}
		if mc != nil {
			if err := mc.Ping(); err != nil {
				resp.Cache = "unreachable"
				resp.Status = "degraded"
			}
		}
		for _, sc := range cfg.Sources {
			h, ok := sched.Health(sc.ID)
			if !ok {
				continue
			}
			budget, _ := sched.Budget(sc.ID)
			resp.Sources[sc.ID] = sourceStatus{
				Breaker:             h.BreakerState.String(),
				ConsecutiveFailures: h.ConsecutiveFailures,
				BudgetRPS:           budget,
			}
			if h.BreakerState != circuitbreaker.StateClosed {
				resp.Status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
