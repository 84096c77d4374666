package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-pipeline/internal/circuitbreaker"
	"github.com/kjstillabower/weather-pipeline/internal/source"
)

// SourceHealth is a snapshot of one source's health. State lives in the
// scheduler only; it resets on process restart.
type SourceHealth struct {
	Source              string
	ConsecutiveFailures int
	NextAllowed         time.Time
	BreakerState        circuitbreaker.State
}

// sourceState is the per-source admission state. All fields are guarded by
// mu; the limiter has its own internal locking but budget adjustments
// (SetLimit) happen under mu to keep read-modify-write sequences atomic.
type sourceState struct {
	mu sync.Mutex

	id      string
	limiter *rate.Limiter
	nominal rate.Limit
	current rate.Limit
	cfg     Config
	breaker *circuitbreaker.Breaker

	consecutiveFailures int
	penalty             time.Duration
	nextAllowed         time.Time
}

func newSourceState(id string, rps float64, burst int, cfg Config, breaker *circuitbreaker.Breaker) *sourceState {
	limit := nominalLimit(rps)
	return &sourceState{
		id:      id,
		limiter: rate.NewLimiter(limit, burst),
		nominal: limit,
		current: limit,
		cfg:     cfg,
		breaker: breaker,
	}
}

func (st *sourceState) wait(ctx context.Context) error {
	return st.limiter.Wait(ctx)
}

func (st *sourceState) eligible() bool {
	if st.breaker.Allow() != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return !time.Now().Before(st.nextAllowed)
}

// report adjusts budget and health after one fetch attempt. Rate-limit
// failures halve the budget (floored at MinRPS) and advance nextAllowed by a
// doubling penalty capped at PenaltyMax, so consecutive rate limits strictly
// increase next-allowed-time up to the cap. Successes restore the budget
// linearly by RecoverStep per report, never past nominal. Cancellation is the
// caller's doing, not the source's, and counts as neither.
func (st *sourceState) report(err error) {
	if source.Classify(err) == source.KindCancelled {
		return
	}
	st.mu.Lock()

	if err == nil {
		st.consecutiveFailures = 0
		st.penalty = 0
		st.nextAllowed = time.Time{}
		if st.current < st.nominal {
			st.current += rate.Limit(st.cfg.RecoverStep)
			if st.current > st.nominal {
				st.current = st.nominal
			}
			st.limiter.SetLimit(st.current)
		}
		st.mu.Unlock()
		st.breaker.RecordSuccess()
		return
	}

	st.consecutiveFailures++
	if errors.Is(err, source.ErrRateLimited) {
		st.current /= 2
		if st.current < rate.Limit(st.cfg.MinRPS) {
			st.current = rate.Limit(st.cfg.MinRPS)
		}
		st.limiter.SetLimit(st.current)

		if st.penalty == 0 {
			st.penalty = st.cfg.PenaltyInitial
		} else {
			st.penalty *= 2
			if st.penalty > st.cfg.PenaltyMax {
				st.penalty = st.cfg.PenaltyMax
			}
		}
		st.nextAllowed = time.Now().Add(st.penalty)
	}
	st.mu.Unlock()
	st.breaker.RecordFailure()
}

func (st *sourceState) healthSnapshot() SourceHealth {
	st.mu.Lock()
	defer st.mu.Unlock()
	return SourceHealth{
		Source:              st.id,
		ConsecutiveFailures: st.consecutiveFailures,
		NextAllowed:         st.nextAllowed,
		BreakerState:        st.breaker.State(),
	}
}

func (st *sourceState) budget() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return float64(st.current)
}
