// Package balancer spreads calls over several equivalent services by weight.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"batchgate/internal/service"
)

// WeightedRoundRobin implements weighted round-robin load balancing as a
// Service. Members that are not ready are skipped; it is Ready when any
// member is Ready and Closed once every member is closed.
//
// PollReady picks the member the following Call goes to, so the balancer is
// driven by one goroutine at a time. Member readiness is polled on every
// PollReady and must not reserve capacity.
type WeightedRoundRobin[Req, Resp any] struct {
	members []*member[Req, Resp]
	logger  zerolog.Logger

	mu            sync.Mutex
	currentIndex  int
	currentWeight int
	picked        *member[Req, Resp]
}

// New creates a WeightedRoundRobin over members
func New[Req, Resp any](members []Member[Req, Resp], logger zerolog.Logger) (*WeightedRoundRobin[Req, Resp], error) {
	if len(members) == 0 {
		return nil, errors.New("balancer requires at least one member")
	}

	seen := make(map[string]bool, len(members))
	ms := make([]*member[Req, Resp], 0, len(members))
	for _, m := range members {
		if m.Service == nil {
			return nil, fmt.Errorf("member %s: service is required", m.Name)
		}
		if m.Weight <= 0 {
			return nil, fmt.Errorf("member %s: weight must be positive", m.Name)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate member name %s", m.Name)
		}
		seen[m.Name] = true
		ms = append(ms, &member[Req, Resp]{name: m.Name, weight: m.Weight, svc: m.Service})
	}

	return &WeightedRoundRobin[Req, Resp]{
		members:      ms,
		logger:       logger.With().Str("component", "balancer").Logger(),
		currentIndex: -1,
	}, nil
}

// PollReady picks the next ready member
func (b *WeightedRoundRobin[Req, Resp]) PollReady() service.Readiness {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollLocked()
}

func (b *WeightedRoundRobin[Req, Resp]) pollLocked() service.Readiness {
	b.picked = nil

	var (
		ready  []*member[Req, Resp]
		wakes  []<-chan struct{}
		closed []error
	)
	for _, m := range b.members {
		if m.closed != nil {
			closed = append(closed, m.closed)
			continue
		}
		r := m.svc.PollReady()
		switch r.State {
		case service.StateReady:
			ready = append(ready, m)
		case service.StateClosed:
			m.closed = fmt.Errorf("%s: %w", m.name, r.Err)
			closed = append(closed, m.closed)
			b.logger.Warn().Err(r.Err).Str("member", m.name).Msg("balancer member closed")
		default:
			wakes = append(wakes, r.Wake)
		}
	}

	switch {
	case len(ready) > 0:
		b.picked = b.next(ready)
		return service.Ready()
	case len(wakes) == 0:
		return service.Closed(errors.Join(closed...))
	default:
		return service.NotReady(anyOf(wakes))
	}
}

// Call sends req to the member picked by the preceding Ready poll
func (b *WeightedRoundRobin[Req, Resp]) Call(ctx context.Context, req Req) <-chan service.Outcome[Resp] {
	b.mu.Lock()
	m := b.picked
	if m == nil && b.pollLocked().IsReady() {
		m = b.picked
	}
	b.picked = nil
	if m != nil {
		m.calls++
	}
	b.mu.Unlock()

	if m == nil {
		return service.Failed[Resp](ErrNoneReady)
	}
	return m.svc.Call(ctx, req)
}

// Stats returns the number of calls sent to each member
func (b *WeightedRoundRobin[Req, Resp]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := make(Stats, len(b.members))
	for _, m := range b.members {
		st[m.name] = m.calls
	}
	return st
}

// next returns the next member of ready by weighted round-robin
func (b *WeightedRoundRobin[Req, Resp]) next(ready []*member[Req, Resp]) *member[Req, Resp] {
	if len(ready) == 1 {
		return ready[0]
	}

	g := gcdWeights(ready)
	maxW := maxWeight(ready)
	for {
		b.currentIndex = (b.currentIndex + 1) % len(ready)
		if b.currentIndex == 0 {
			b.currentWeight -= g
			if b.currentWeight <= 0 {
				b.currentWeight = maxW
			}
		}
		if m := ready[b.currentIndex]; m.weight >= b.currentWeight {
			return m
		}
	}
}

func gcdWeights[Req, Resp any](ms []*member[Req, Resp]) int {
	result := ms[0].weight
	for _, m := range ms[1:] {
		result = gcd(result, m.weight)
	}
	return result
}

func maxWeight[Req, Resp any](ms []*member[Req, Resp]) int {
	maxW := 0
	for _, m := range ms {
		maxW = max(maxW, m.weight)
	}
	return maxW
}

// gcd calculates the greatest common divisor
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// anyOf returns a channel closed once any of wakes is closed.
// A nil wake means a timed re-poll, so it wins outright.
func anyOf(wakes []<-chan struct{}) <-chan struct{} {
	for _, w := range wakes {
		if w == nil {
			return nil
		}
	}
	if len(wakes) == 1 {
		return wakes[0]
	}

	out := make(chan struct{})
	var once sync.Once
	for _, w := range wakes {
		go func() {
			select {
			case <-w:
				once.Do(func() { close(out) })
			case <-out:
			}
		}()
	}
	return out
}
