package service

import "context"

// State is the readiness state reported by a Service
type State int

const (
	// StateNotReady means the service cannot accept a request right now.
	// The condition is transient and should be re-evaluated.
	StateNotReady State = iota
	// StateReady authorizes exactly one Call
	StateReady
	// StateClosed is terminal
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateNotReady:
		return "not_ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Readiness is the result of a non-blocking readiness poll
type Readiness struct {
	State State
	// Err carries the close reason when State is StateClosed
	Err error
	// Wake is closed once a NotReady condition may have changed.
	// A nil Wake makes waiters fall back to periodic re-polling.
	Wake <-chan struct{}
}

// IsReady returns true if a Call is authorized
func (r Readiness) IsReady() bool {
	return r.State == StateReady
}

// IsClosed returns true if the service is permanently unavailable
func (r Readiness) IsClosed() bool {
	return r.State == StateClosed
}

// Ready returns a Ready readiness
func Ready() Readiness {
	return Readiness{State: StateReady}
}

// NotReady returns a NotReady readiness woken by wake
func NotReady(wake <-chan struct{}) Readiness {
	return Readiness{State: StateNotReady, Wake: wake}
}

// Closed returns a terminal readiness carrying reason.
// A nil reason is replaced by ErrClosed.
func Closed(reason error) Readiness {
	if reason == nil {
		reason = ErrClosed
	}
	return Readiness{State: StateClosed, Err: reason}
}

// Outcome is the single result delivered for one request
type Outcome[Resp any] struct {
	Response Resp
	Err      error
}

// Service is the readiness-then-call contract.
//
// A caller must observe StateReady from PollReady before invoking Call, and
// one Ready observation authorizes exactly one Call. StateClosed is permanent.
// Call never blocks on the response: it returns a delivery slot that receives
// exactly one Outcome. Abandoning the slot is allowed.
//
// Unless an implementation says otherwise, a Service value is used by one
// goroutine at a time.
type Service[Req, Resp any] interface {
	PollReady() Readiness
	Call(ctx context.Context, req Req) <-chan Outcome[Resp]
}
