package service

import (
	"context"
	"sync/atomic"
)

type trackerState struct {
	readiness Readiness
	consumed  bool
}

// Tracker caches the last readiness observation of a dependency.
//
// A Ready observation is reused until Consume marks it spent by a dispatch.
// A Closed observation latches: the dependency is never polled again and
// every later Check returns the original reason.
type Tracker struct {
	poll func() Readiness
	cell atomic.Pointer[trackerState]
}

// NewTracker creates a Tracker over a readiness poll function
func NewTracker(poll func() Readiness) *Tracker {
	return &Tracker{poll: poll}
}

// TrackService creates a Tracker over svc.PollReady
func TrackService[Req, Resp any](svc Service[Req, Resp]) *Tracker {
	return NewTracker(svc.PollReady)
}

// Check returns the current readiness, re-polling only when needed
func (t *Tracker) Check() Readiness {
	for {
		cur := t.cell.Load()
		if cur != nil {
			switch {
			case cur.readiness.State == StateClosed:
				return cur.readiness
			case cur.readiness.State == StateReady && !cur.consumed:
				return cur.readiness
			}
		}

		r := t.poll()
		if r.State == StateClosed && r.Err == nil {
			r.Err = ErrClosed
		}
		if t.cell.CompareAndSwap(cur, &trackerState{readiness: r}) {
			return r
		}
	}
}

// Consume spends the cached Ready observation.
// Returns false if there was no unspent Ready to consume.
func (t *Tracker) Consume() bool {
	for {
		cur := t.cell.Load()
		if cur == nil || cur.readiness.State != StateReady || cur.consumed {
			return false
		}
		next := &trackerState{readiness: cur.readiness, consumed: true}
		if t.cell.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Closed reports the latched close reason without polling
func (t *Tracker) Closed() (bool, error) {
	cur := t.cell.Load()
	if cur == nil || cur.readiness.State != StateClosed {
		return false, nil
	}
	return true, cur.readiness.Err
}

// Wait suspends until the dependency is Ready, closed, or ctx is done
func (t *Tracker) Wait(ctx context.Context) error {
	return WaitFor(ctx, t.Check)
}
