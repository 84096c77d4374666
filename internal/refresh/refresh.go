package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-pipeline/internal/models"
	"github.com/kjstillabower/weather-pipeline/internal/observability"
)

// WeatherResolver is implemented by the pipeline layer. Declared here to
// avoid a circular dependency on the pipeline package.
type WeatherResolver interface {
	Resolve(ctx context.Context, q models.Query) (models.WeatherRecord, error)
}

// Refresher keeps the cache populated for a fixed set of tracked locations by
// resolving them on a schedule. A scheduled resolve that hits a fresh cache
// entry is a no-op, so the effective upstream rate is bounded by the cache
// TTL, not the refresh interval.
type Refresher struct {
	scheduler  *gocron.Scheduler
	resolver   WeatherResolver
	locations  []string
	interval   time.Duration
	jobTimeout time.Duration
	logger     *zap.Logger
}

// New creates a Refresher over the given locations.
func New(resolver WeatherResolver, locations []string, interval time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{
		scheduler:  gocron.NewScheduler(time.UTC),
		resolver:   resolver,
		locations:  locations,
		interval:   interval,
		jobTimeout: 30 * time.Second,
		logger:     logger,
	}
}

// Start runs an initial refresh, schedules the periodic job, and returns.
// Jobs run on the scheduler's own goroutine until Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	if len(r.locations) == 0 {
		if r.logger != nil {
			r.logger.Info("no tracked locations configured, refresh disabled")
		}
		return nil
	}

	interval := r.interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	go r.runOnce(ctx)

	_, err := r.scheduler.Every(interval).Do(func() {
		r.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule refresh job: %w", err)
	}

	r.scheduler.StartAsync()
	return nil
}

// Stop halts the scheduler. In-progress jobs run to completion.
func (r *Refresher) Stop() {
	r.scheduler.Stop()
}

// runOnce resolves every tracked location concurrently. Failures are logged
// and counted but never abort the run; the next tick retries everything.
func (r *Refresher) runOnce(ctx context.Context) {
	start := time.Now()
	observability.RefreshRunsTotal.Inc()
	if r.logger != nil {
		r.logger.Info("refresh run starting", zap.Int("locations", len(r.locations)))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(r.locations))
	for _, loc := range r.locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, r.jobTimeout)
			defer cancel()
			q := models.NewQuery(loc, time.Now().UTC())
			if _, err := r.resolver.Resolve(jobCtx, q); err != nil {
				errCh <- fmt.Errorf("refresh %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	failed := 0
	for err := range errCh {
		failed++
		if r.logger != nil {
			r.logger.Warn("refresh location failed", zap.Error(err))
		}
	}

	duration := time.Since(start)
	observability.RefreshDurationSeconds.Observe(duration.Seconds())
	if failed > 0 {
		observability.RefreshErrorsTotal.Inc()
	}
	if r.logger != nil {
		r.logger.Info("refresh run complete",
			zap.Int("locations", len(r.locations)),
			zap.Int("failed", failed),
			zap.Duration("duration", duration))
	}
}
