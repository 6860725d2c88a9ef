package service

import (
	"context"
	"time"
)

// repollInterval is used when a NotReady readiness carries no Wake channel
const repollInterval = 5 * time.Millisecond

// NewSlot creates a single-use delivery slot.
// The buffer of one makes delivery to an abandoned slot a no-op.
func NewSlot[Resp any]() chan Outcome[Resp] {
	return make(chan Outcome[Resp], 1)
}

// Deliver sends o on slot without blocking.
// Returns false if the slot already held an outcome.
func Deliver[Resp any](slot chan<- Outcome[Resp], o Outcome[Resp]) bool {
	select {
	case slot <- o:
		return true
	default:
		return false
	}
}

// Failed returns a slot already holding err
func Failed[Resp any](err error) <-chan Outcome[Resp] {
	slot := NewSlot[Resp]()
	slot <- Outcome[Resp]{Err: err}
	return slot
}

// WaitReady suspends until svc reports Ready, svc is closed, or ctx is done
func WaitReady[Req, Resp any](ctx context.Context, svc Service[Req, Resp]) error {
	return WaitFor(ctx, svc.PollReady)
}

// WaitFor drives a poll function until it reports Ready.
// NotReady suspends on the readiness Wake channel; Closed returns the reason.
func WaitFor(ctx context.Context, poll func() Readiness) error {
	for {
		r := poll()
		switch r.State {
		case StateReady:
			return nil
		case StateClosed:
			if r.Err == nil {
				return ErrClosed
			}
			return r.Err
		}

		if err := waitWake(ctx, r.Wake); err != nil {
			return err
		}
	}
}

func waitWake(ctx context.Context, wake <-chan struct{}) error {
	if wake == nil {
		t := time.NewTimer(repollInterval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}

// Await waits for the outcome delivered on slot.
// Returning early on ctx abandons the slot.
func Await[Resp any](ctx context.Context, slot <-chan Outcome[Resp]) (Resp, error) {
	select {
	case o := <-slot:
		return o.Response, o.Err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}

// Oneshot waits for readiness, issues one call and awaits its outcome
func Oneshot[Req, Resp any](ctx context.Context, svc Service[Req, Resp], req Req) (Resp, error) {
	if err := WaitReady(ctx, svc); err != nil {
		var zero Resp
		return zero, err
	}
	return Await(ctx, svc.Call(ctx, req))
}

// Func adapts a function into an always-ready Service.
// Each call runs on its own goroutine, so Func is safe for concurrent use.
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// PollReady always reports Ready
func (f Func[Req, Resp]) PollReady() Readiness {
	return Ready()
}

// Call runs the function asynchronously
func (f Func[Req, Resp]) Call(ctx context.Context, req Req) <-chan Outcome[Resp] {
	slot := NewSlot[Resp]()
	go func() {
		resp, err := f(ctx, req)
		slot <- Outcome[Resp]{Response: resp, Err: err}
	}()
	return slot
}
