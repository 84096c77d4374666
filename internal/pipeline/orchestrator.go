package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-pipeline/internal/models"
	"github.com/kjstillabower/weather-pipeline/internal/normalize"
	"github.com/kjstillabower/weather-pipeline/internal/observability"
	"github.com/kjstillabower/weather-pipeline/internal/scheduler"
	"github.com/kjstillabower/weather-pipeline/internal/source"
)

// Policy selects how the orchestrator aggregates multi-source results.
type Policy string

const (
	// PolicyFirstSuccess returns as soon as one source yields a record;
	// remaining attempts are cancelled and their permits released.
	PolicyFirstSuccess Policy = "first_success"
	// PolicyRequireAll waits for every source to resolve (within its own
	// timeouts) and prefers the most recently observed record.
	PolicyRequireAll Policy = "require_all"
)

// OrchestratorConfig holds retry and aggregation parameters.
type OrchestratorConfig struct {
	Policy           Policy
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	AttemptTimeout   time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.Policy == "" {
		c.Policy = PolicyFirstSuccess
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	return c
}

// Orchestrator coordinates concurrent fetches across source adapters, bounded
// by scheduler permits, with per-attempt timeout and retry policy.
type Orchestrator struct {
	sched  *scheduler.Scheduler
	reg    *source.Registry
	norm   *normalize.Normalizer
	cfg    OrchestratorConfig
	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator over the registered sources.
func NewOrchestrator(sched *scheduler.Scheduler, reg *source.Registry, norm *normalize.Normalizer, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sched:  sched,
		reg:    reg,
		norm:   norm,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// sourceOutcome is the terminal state of one source's participation in a
// query: a normalized record, or the failure that closed it.
type sourceOutcome struct {
	source   string
	record   models.WeatherRecord
	err      error
	attempts int
	latency  time.Duration
}

// Fetch runs the query against all registered sources and aggregates per the
// configured policy. When every source fails it returns AllSourcesUnavailable
// with one reason per source; when the context is cancelled it returns the
// context error and no partial record.
func (o *Orchestrator) Fetch(ctx context.Context, q models.Query) (models.WeatherRecord, error) {
	adapters := o.reg.All()
	if len(adapters) == 0 {
		return models.WeatherRecord{}, fmt.Errorf("no sources registered")
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan sourceOutcome, len(adapters))
	launched := 0
	skipped := make(map[string]error)
	for _, a := range adapters {
		if !o.sched.Eligible(a.Name()) {
			skipped[a.Name()] = ErrSourceSkipped
			if o.logger != nil {
				o.logger.Debug("source skipped",
					zap.String("queryId", q.ID),
					zap.String("source", a.Name()))
			}
			continue
		}
		launched++
		go func(a source.Adapter) {
			outcomes <- o.fetchSource(groupCtx, a, q)
		}(a)
	}

	if launched == 0 {
		return models.WeatherRecord{}, &AllSourcesUnavailable{Reasons: skipped}
	}

	var winner *models.WeatherRecord
	reports := make([]models.SourceReport, 0, len(adapters))
	reasons := make(map[string]error, len(adapters))
	for id, err := range skipped {
		reports = append(reports, models.SourceReport{Source: id, Error: err.Error()})
		reasons[id] = err
	}

	for i := 0; i < launched; i++ {
		out := <-outcomes
		report := models.SourceReport{
			Source:   out.source,
			Attempts: out.attempts,
			Latency:  out.latency,
		}
		if out.err != nil {
			report.Error = out.err.Error()
			reasons[out.source] = out.err
			reports = append(reports, report)
			continue
		}
		report.OK = true
		reports = append(reports, report)

		switch {
		case winner == nil:
			rec := out.record
			winner = &rec
			if o.cfg.Policy == PolicyFirstSuccess {
				// Winner decided; cancel losers and collect their outcomes.
				cancel()
			}
		case out.record.ObservedAt.After(winner.ObservedAt):
			// require_all prefers the most recently observed record.
			rec := out.record
			winner = &rec
		}
	}

	if winner == nil {
		if ctx.Err() != nil {
			return models.WeatherRecord{}, ctx.Err()
		}
		return models.WeatherRecord{}, &AllSourcesUnavailable{Reasons: reasons}
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Source < reports[j].Source })
	winner.Reports = reports
	return *winner, nil
}

// fetchSource runs the attempt state machine for one source: up to
// RetryMaxAttempts, each admitted by the scheduler, with exponential jittered
// backoff between retryable failures. Fatal failures close the source for
// this query immediately.
func (o *Orchestrator) fetchSource(ctx context.Context, a source.Adapter, q models.Query) sourceOutcome {
	name := a.Name()
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= o.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 1 {
			observability.FetchRetriesTotal.WithLabelValues(name).Inc()
			select {
			case <-ctx.Done():
				return sourceOutcome{source: name, err: ctx.Err(), attempts: attempt - 1, latency: time.Since(start)}
			case <-time.After(o.backoffDelay(attempt)):
			}
		}

		permitStart := time.Now()
		permit, err := o.sched.Admit(ctx, name)
		if err != nil {
			return sourceOutcome{source: name, err: err, attempts: attempt, latency: time.Since(start)}
		}
		observability.PermitWaitSeconds.Observe(time.Since(permitStart).Seconds())

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		payload, err := a.Fetch(attemptCtx, q)
		cancelAttempt()
		permit.Release()
		o.sched.ReportResult(name, err)

		if err != nil {
			observability.FetchAttemptsTotal.WithLabelValues(name, "error").Inc()
			observability.FetchErrorsTotal.WithLabelValues(name, string(source.CategorizeError(err))).Inc()
			if source.Classify(err) == source.KindRateLimited {
				observability.RateLimitPenaltiesTotal.WithLabelValues(name).Inc()
			}
			lastErr = err
			if !source.Retryable(err) {
				return sourceOutcome{source: name, err: err, attempts: attempt, latency: time.Since(start)}
			}
			continue
		}

		observability.FetchAttemptsTotal.WithLabelValues(name, "success").Inc()
		observability.FetchDuration.WithLabelValues(name).Observe(payload.Latency.Seconds())

		rec, nerr := o.norm.Normalize(payload)
		if nerr != nil {
			// The payload arrived but could not be mapped; retrying the same
			// upstream shape will not help within this query.
			return sourceOutcome{source: name, err: nerr, attempts: attempt, latency: time.Since(start)}
		}
		return sourceOutcome{source: name, record: rec, attempts: attempt, latency: time.Since(start)}
	}

	return sourceOutcome{
		source:   name,
		err:      fmt.Errorf("exhausted retries: %w", lastErr),
		attempts: o.cfg.RetryMaxAttempts,
		latency:  time.Since(start),
	}
}

// backoffDelay returns the jittered exponential delay before the given
// attempt (attempt >= 2), capped at RetryMaxDelay.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	delay := float64(o.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-2))
	if delay > float64(o.cfg.RetryMaxDelay) {
		delay = float64(o.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}
