package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// Breaker protects one upstream source by opening after repeated failures and
// allowing probe attempts in half-open state. Callers ask Allow before an
// attempt and report the outcome with RecordSuccess/RecordFailure.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	source           string
	onStateChange    func(source string, from, to State) // optional, for metrics
}

// Config holds circuit breaker parameters for one source.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Source           string
	OnStateChange    func(source string, from, to State)
}

// New creates a Breaker with the given config, applying defaults for
// non-positive thresholds.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		source:           cfg.Source,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow reports whether an attempt may proceed. When the circuit is open and
// the timeout has elapsed, it transitions to half-open and admits a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state == StateOpen {
		if time.Since(b.lastFailureTime) < b.timeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successCount = 0
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return nil
	}
	b.mu.Unlock()
	return nil
}

// RecordFailure records a failed attempt, opening the circuit when the
// failure threshold is reached or a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
		from := b.state
		b.state = StateOpen
		b.failureCount = 0
		b.mu.Unlock()
		if from != StateOpen {
			b.notify(from, StateOpen)
		}
		return
	}
	b.mu.Unlock()
}

// RecordSuccess records a successful attempt, closing the circuit after
// enough half-open probes succeed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.successCount++
	b.failureCount = 0
	if b.state == StateHalfOpen && b.successCount >= b.successThreshold {
		from := b.state
		b.state = StateClosed
		b.successCount = 0
		b.mu.Unlock()
		b.notify(from, StateClosed)
		return
	}
	b.mu.Unlock()
}

// State returns the current state (for metrics and eligibility checks).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(b.source, from, to)
	}
}
