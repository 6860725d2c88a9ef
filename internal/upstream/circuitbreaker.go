package upstream

import (
	"errors"
	"sync"
	"time"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// ErrCircuitOpen is returned for calls the breaker does not admit
var ErrCircuitOpen = errors.New("circuit breaker open")

// Permit is one admitted call. The caller settles it with exactly one of
// RecordSuccess, RecordFailure or Abandon.
type Permit struct {
	trial bool
	epoch uint64
}

// CircuitBreaker stops admitting calls to an upstream after consecutive failures.
// While open, Readiness hands out a channel that is closed once the recovery
// timeout elapses or the state changes. In half-open at most
// HalfOpenMaxRequests trials are outstanding or succeeded at once.
type CircuitBreaker struct {
	cfg             CircuitBreakerConfig
	state           cbState
	epoch           uint64 // bumped on every state change
	failures        int
	trials          int // half-open calls in flight
	halfOpenSuccess int
	lastFailureAt   time.Time

	changed chan struct{}
	timer   *time.Timer

	mu sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   cbClosed,
		changed: make(chan struct{}),
	}
}

// Readiness reports whether a call may be admitted now.
// When it may not, the returned channel is closed as soon as that can change.
func (cb *CircuitBreaker) Readiness() (bool, <-chan struct{}) {
	if !cb.cfg.Enabled {
		return true, nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.recoverLocked() {
		return false, cb.changed
	}
	if cb.state == cbHalfOpen && !cb.trialAvailableLocked() {
		return false, cb.changed
	}
	return true, nil
}

// Allow admits one call or returns ErrCircuitOpen
func (cb *CircuitBreaker) Allow() (Permit, error) {
	if !cb.cfg.Enabled {
		return Permit{}, nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.recoverLocked() {
		return Permit{}, ErrCircuitOpen
	}
	if cb.state == cbHalfOpen {
		if !cb.trialAvailableLocked() {
			return Permit{}, ErrCircuitOpen
		}
		cb.trials++
		return Permit{trial: true, epoch: cb.epoch}, nil
	}
	return Permit{epoch: cb.epoch}, nil
}

// recoverLocked moves an open breaker past its recovery timeout to half-open.
// Returns true while the breaker stays open, arming the wake timer.
func (cb *CircuitBreaker) recoverLocked() bool {
	if cb.state != cbOpen {
		return false
	}
	remaining := cb.cfg.RecoveryTimeout - time.Since(cb.lastFailureAt)
	if remaining <= 0 {
		cb.setStateLocked(cbHalfOpen)
		return false
	}
	if cb.timer == nil {
		cb.timer = time.AfterFunc(remaining, cb.recoveryElapsed)
	}
	return true
}

func (cb *CircuitBreaker) trialAvailableLocked() bool {
	return cb.trials+cb.halfOpenSuccess < cb.cfg.HalfOpenMaxRequests
}

// State returns the current breaker state name
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// RecordSuccess settles p as a successful call
func (cb *CircuitBreaker) RecordSuccess(p Permit) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	current := cb.releaseLocked(p)
	switch cb.state {
	case cbHalfOpen:
		if !current {
			return
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxRequests {
			cb.setStateLocked(cbClosed)
		}
	case cbClosed:
		cb.failures = 0
	}
}

// RecordFailure settles p as a failed call
func (cb *CircuitBreaker) RecordFailure(p Permit) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	current := cb.releaseLocked(p)
	switch cb.state {
	case cbClosed:
		cb.lastFailureAt = time.Now()
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setStateLocked(cbOpen)
		}
	case cbHalfOpen:
		if !current {
			return
		}
		cb.lastFailureAt = time.Now()
		cb.setStateLocked(cbOpen)
	}
}

// Abandon settles p without a verdict, freeing its trial slot
func (cb *CircuitBreaker) Abandon(p Permit) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.releaseLocked(p) && p.trial {
		cb.broadcastLocked()
	}
}

// releaseLocked returns the trial slot held by p.
// Reports whether p was admitted in the current state.
func (cb *CircuitBreaker) releaseLocked(p Permit) bool {
	if p.epoch != cb.epoch {
		return false
	}
	if p.trial {
		cb.trials--
	}
	return true
}

// Stop cancels a pending recovery timer and wakes current waiters
func (cb *CircuitBreaker) Stop() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
	cb.broadcastLocked()
}

func (cb *CircuitBreaker) recoveryElapsed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.timer = nil
	cb.broadcastLocked()
}

func (cb *CircuitBreaker) setStateLocked(state cbState) {
	cb.state = state
	cb.epoch++
	cb.trials = 0
	cb.halfOpenSuccess = 0
	if state == cbClosed {
		cb.failures = 0
	}
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
	cb.broadcastLocked()
}

// broadcastLocked wakes everyone holding the current changed channel
func (cb *CircuitBreaker) broadcastLocked() {
	close(cb.changed)
	cb.changed = make(chan struct{})
}
