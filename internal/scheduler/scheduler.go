// Package scheduler governs request cadence toward upstream sources: a
// per-source token budget, a global concurrency ceiling, and per-source
// health tracking with circuit breaking. All shared state is updated under
// per-source locks; the scheduler is safe for use across concurrent queries.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-pipeline/internal/circuitbreaker"
)

// Config holds scheduler-wide parameters.
type Config struct {
	GlobalConcurrency int           // ceiling on simultaneous upstream fetches
	RecoverStep       float64       // tokens/sec restored per success toward nominal
	PenaltyInitial    time.Duration // first next-allowed penalty after a rate limit
	PenaltyMax        time.Duration // cap on the doubling penalty
	MinRPS            float64       // floor the budget never shrinks below
}

func (c Config) withDefaults() Config {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 8
	}
	if c.RecoverStep <= 0 {
		c.RecoverStep = 0.1
	}
	if c.PenaltyInitial <= 0 {
		c.PenaltyInitial = time.Second
	}
	if c.PenaltyMax < c.PenaltyInitial {
		c.PenaltyMax = 5 * time.Minute
	}
	if c.MinRPS <= 0 {
		c.MinRPS = 0.05
	}
	return c
}

// SourceConfig holds per-source admission parameters.
type SourceConfig struct {
	ID               string
	RPS              float64
	Burst            int
	FailureThreshold int
	SuccessThreshold int
	BreakerTimeout   time.Duration
}

// Scheduler owns the global semaphore and the per-source admission state.
type Scheduler struct {
	cfg      Config
	global   chan struct{}
	inflight InFlightTracker
	sources  map[string]*sourceState
}

// Permit represents one admitted upstream fetch. Release must be called
// exactly once, and frees the global slot immediately.
type Permit struct {
	release func()
}

// Release returns the permit's global slot. Safe to call exactly once.
func (p *Permit) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// New creates a Scheduler for the given sources. The source set is fixed at
// startup (adapters are registered from config); per-source state is created
// here so Admit never allocates on the hot path.
func New(cfg Config, sources []SourceConfig, onBreakerChange func(source string, from, to circuitbreaker.State)) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		global:  make(chan struct{}, cfg.GlobalConcurrency),
		sources: make(map[string]*sourceState, len(sources)),
	}
	for _, sc := range sources {
		if sc.ID == "" {
			return nil, fmt.Errorf("scheduler: source with empty id")
		}
		if _, dup := s.sources[sc.ID]; dup {
			return nil, fmt.Errorf("scheduler: duplicate source %q", sc.ID)
		}
		rps := sc.RPS
		if rps <= 0 {
			rps = 1
		}
		burst := sc.Burst
		if burst <= 0 {
			burst = 1
		}
		s.sources[sc.ID] = newSourceState(sc.ID, rps, burst, cfg, circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: sc.FailureThreshold,
			SuccessThreshold: sc.SuccessThreshold,
			Timeout:          sc.BreakerTimeout,
			Source:           sc.ID,
			OnStateChange:    onBreakerChange,
		}))
	}
	return s, nil
}

// Admit blocks until a global slot and a token for sourceID are available,
// then returns a Permit. Fails with the ctx error on cancellation or timeout,
// and with an error for unknown sources.
func (s *Scheduler) Admit(ctx context.Context, sourceID string) (*Permit, error) {
	st, ok := s.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown source %q", sourceID)
	}

	select {
	case s.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := st.wait(ctx); err != nil {
		<-s.global
		return nil, err
	}

	s.inflight.Increment()
	return &Permit{release: func() {
		<-s.global
		s.inflight.Decrement()
	}}, nil
}

// Eligible reports whether sourceID may be attempted right now: the source is
// known, its circuit is not rejecting calls, and its rate-limit penalty
// window has passed. A circuit-open source is skipped entirely.
func (s *Scheduler) Eligible(sourceID string) bool {
	st, ok := s.sources[sourceID]
	if !ok {
		return false
	}
	return st.eligible()
}

// ReportResult records the outcome of one fetch attempt for sourceID and
// adjusts its budget: rate-limit failures shrink the budget exponentially and
// push out next-allowed-time with a doubling, capped penalty; successes
// recover the budget linearly toward nominal and clear the penalty.
func (s *Scheduler) ReportResult(sourceID string, err error) {
	if st, ok := s.sources[sourceID]; ok {
		st.report(err)
	}
}

// Health returns a snapshot of sourceID's health for diagnostics.
func (s *Scheduler) Health(sourceID string) (SourceHealth, bool) {
	st, ok := s.sources[sourceID]
	if !ok {
		return SourceHealth{}, false
	}
	return st.healthSnapshot(), true
}

// Budget returns the current tokens/sec budget for sourceID. For tests and
// diagnostics.
func (s *Scheduler) Budget(sourceID string) (float64, bool) {
	st, ok := s.sources[sourceID]
	if !ok {
		return 0, false
	}
	return st.budget(), true
}

// InFlight returns the number of currently admitted fetches.
func (s *Scheduler) InFlight() int64 {
	return s.inflight.Count()
}

// WaitIdle blocks until no fetches are admitted or ctx is done. Used during
// graceful shutdown to drain in-flight upstream calls.
func (s *Scheduler) WaitIdle(ctx context.Context, checkInterval time.Duration) error {
	return s.inflight.WaitForZero(ctx, checkInterval)
}

// nominalLimit converts a configured RPS to a rate.Limit.
func nominalLimit(rps float64) rate.Limit { return rate.Limit(rps) }
