// Package fallback routes requests to a primary service and retries them on a
// secondary service when the primary is not ready in time or fails.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"batchgate/internal/service"
)

// ErrReadyTimeout is the primary route failure when the primary did not
// become ready within Config.ReadyTimeout
var ErrReadyTimeout = errors.New("primary not ready within timeout")

// Config holds fallback configuration
type Config struct {
	ReadyTimeout time.Duration
}

// Validate checks the fallback configuration
func (c Config) Validate() error {
	if c.ReadyTimeout <= 0 {
		return errors.New("fallback ready timeout must be positive")
	}
	return nil
}

// Route is the service a request was finally answered by
type Route int

const (
	RoutePrimary Route = iota
	RouteFallback
)

func (r Route) String() string {
	if r == RouteFallback {
		return "fallback"
	}
	return "primary"
}

// Stats is a snapshot of routing counters
type Stats struct {
	Primary       uint64 // answered by the primary
	Fallback      uint64 // answered by the fallback
	ReadyTimeouts uint64 // primary readiness wait timed out
	PrimaryErrors uint64 // primary call failed
	Exhausted     uint64 // both routes failed
}

// member is one inner service plus the state guarding its handle
type member[Req, Resp any] struct {
	name    string
	svc     service.Service[Req, Resp]
	tracker *service.Tracker
	// lock serializes use of the inner handle; a channel so that acquisition
	// can race a deadline
	lock chan struct{}
}

func newMember[Req, Resp any](name string, svc service.Service[Req, Resp]) *member[Req, Resp] {
	return &member[Req, Resp]{
		name:    name,
		svc:     svc,
		tracker: service.TrackService(svc),
		lock:    make(chan struct{}, 1),
	}
}

// dispatch waits for readiness and issues the call while holding the handle.
// The lock is released before the outcome is awaited.
func (m *member[Req, Resp]) dispatch(readyCtx, callCtx context.Context, req Req) (<-chan service.Outcome[Resp], error) {
	select {
	case m.lock <- struct{}{}:
	case <-readyCtx.Done():
		return nil, readyCtx.Err()
	}
	defer func() { <-m.lock }()

	if err := m.tracker.Wait(readyCtx); err != nil {
		return nil, err
	}
	m.tracker.Consume()
	return m.svc.Call(callCtx, req), nil
}

// closed reports the latched close state without blocking.
// A member whose lock is held is in use and therefore reported open.
func (m *member[Req, Resp]) closed() (bool, error) {
	if closed, err := m.tracker.Closed(); closed {
		return true, err
	}
	select {
	case m.lock <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-m.lock }()

	r := m.tracker.Check()
	return r.IsClosed(), r.Err
}

// Fallback is a Service composed over a primary and a fallback service.
// Fallback is safe for concurrent use; the inner handles are serialized
// internally, and only across readiness waits and enqueueing.
//
// A request whose primary call fails is sent to the fallback as well, so
// delivery across the hop is at-least-once. Only idempotent or verifiable
// requests should be routed through a Fallback.
type Fallback[Req, Resp any] struct {
	primary   *member[Req, Resp]
	secondary *member[Req, Resp]
	cfg       Config
	logger    zerolog.Logger

	primaryHits   atomic.Uint64
	fallbackHits  atomic.Uint64
	readyTimeouts atomic.Uint64
	primaryErrors atomic.Uint64
	exhausted     atomic.Uint64
}

// New creates a Fallback. Both services are owned by the Fallback afterwards.
func New[Req, Resp any](primary, secondary service.Service[Req, Resp], cfg Config, logger zerolog.Logger) (*Fallback[Req, Resp], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fallback config: %w", err)
	}
	if primary == nil || secondary == nil {
		return nil, errors.New("fallback requires both a primary and a fallback service")
	}
	return &Fallback[Req, Resp]{
		primary:   newMember("primary", primary),
		secondary: newMember("fallback", secondary),
		cfg:       cfg,
		logger:    logger.With().Str("component", "fallback").Logger(),
	}, nil
}

// PollReady is Closed only when both inner services are closed
func (f *Fallback[Req, Resp]) PollReady() service.Readiness {
	pClosed, pErr := f.primary.closed()
	if !pClosed {
		return service.Ready()
	}
	sClosed, sErr := f.secondary.closed()
	if !sClosed {
		return service.Ready()
	}
	return service.Closed(&service.ExhaustedError{Primary: pErr, Fallback: sErr})
}

// Call routes req and returns its delivery slot
func (f *Fallback[Req, Resp]) Call(ctx context.Context, req Req) <-chan service.Outcome[Resp] {
	slot := service.NewSlot[Resp]()
	go func() {
		resp, route, err := f.route(ctx, req)
		if err == nil {
			f.logger.Debug().Str("route", route.String()).Msg("request served")
		}
		slot <- service.Outcome[Resp]{Response: resp, Err: err}
	}()
	return slot
}

// Stats returns the routing counters
func (f *Fallback[Req, Resp]) Stats() Stats {
	return Stats{
		Primary:       f.primaryHits.Load(),
		Fallback:      f.fallbackHits.Load(),
		ReadyTimeouts: f.readyTimeouts.Load(),
		PrimaryErrors: f.primaryErrors.Load(),
		Exhausted:     f.exhausted.Load(),
	}
}

// route runs one request through PollingPrimary, Dispatched(primary),
// PollingFallback and Dispatched(fallback)
func (f *Fallback[Req, Resp]) route(ctx context.Context, req Req) (Resp, Route, error) {
	resp, primaryErr := f.tryPrimary(ctx, req)
	if primaryErr == nil {
		f.primaryHits.Add(1)
		return resp, RoutePrimary, nil
	}

	var zero Resp
	if ctx.Err() != nil {
		return zero, RoutePrimary, ctx.Err()
	}

	slot, err := f.secondary.dispatch(ctx, ctx, req)
	if err == nil {
		resp, err = service.Await(ctx, slot)
	}
	if err != nil {
		f.exhausted.Add(1)
		f.logger.Warn().
			Err(err).
			AnErr("primaryErr", primaryErr).
			Msg("fallback request failed")
		return zero, RouteFallback, &service.ExhaustedError{Primary: primaryErr, Fallback: err}
	}

	f.fallbackHits.Add(1)
	return resp, RouteFallback, nil
}

func (f *Fallback[Req, Resp]) tryPrimary(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if closed, err := f.primary.tracker.Closed(); closed {
		return zero, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, f.cfg.ReadyTimeout)
	slot, err := f.primary.dispatch(readyCtx, ctx, req)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			f.readyTimeouts.Add(1)
			f.logger.Debug().Dur("timeout", f.cfg.ReadyTimeout).Msg("primary not ready, using fallback")
			return zero, ErrReadyTimeout
		default:
			f.logger.Warn().Err(err).Msg("primary closed, routing all requests to fallback")
			return zero, err
		}
	}

	resp, err := service.Await(ctx, slot)
	if err != nil {
		if ctx.Err() == nil {
			f.primaryErrors.Add(1)
			f.logger.Warn().Err(err).Msg("primary request failed, retrying on fallback")
		}
		return zero, err
	}
	return resp, nil
}
