package cache

import (
	"context"

	"github.com/rs/zerolog"

	"batchgate/internal/service"
)

// Service memoizes successful responses of an inner service.
//
// A hit is answered without calling the inner service; the readiness the
// caller observed stays reserved for the next miss. Service adds no state of
// its own beyond the cache, so it is safe for concurrent use whenever the
// inner service is.
type Service[Req, Resp any] struct {
	inner     service.Service[Req, Resp]
	cache     Cache[Resp]
	key       KeyFunc[Req]
	cacheable func(Resp) bool
	logger    zerolog.Logger
}

// Option configures a cache Service
type Option[Req, Resp any] func(*Service[Req, Resp])

// WithKeyFunc overrides the default CBORKey
func WithKeyFunc[Req, Resp any](fn KeyFunc[Req]) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) {
		s.key = fn
	}
}

// WithCacheable restricts which successful responses are stored
func WithCacheable[Req, Resp any](fn func(Resp) bool) Option[Req, Resp] {
	return func(s *Service[Req, Resp]) {
		s.cacheable = fn
	}
}

// NewService wraps inner with c
func NewService[Req, Resp any](inner service.Service[Req, Resp], c Cache[Resp], logger zerolog.Logger, opts ...Option[Req, Resp]) *Service[Req, Resp] {
	s := &Service[Req, Resp]{
		inner:  inner,
		cache:  c,
		key:    CBORKey[Req],
		logger: logger.With().Str("component", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PollReady reports the inner readiness
func (s *Service[Req, Resp]) PollReady() service.Readiness {
	return s.inner.PollReady()
}

// Call answers from the cache or forwards to the inner service
func (s *Service[Req, Resp]) Call(ctx context.Context, req Req) <-chan service.Outcome[Resp] {
	key, ok := s.key(req)
	if !ok {
		return s.inner.Call(ctx, req)
	}

	if resp, found := s.cache.Get(key); found {
		s.logger.Debug().Str("cacheKey", key).Msg("cache hit")
		slot := service.NewSlot[Resp]()
		slot <- service.Outcome[Resp]{Response: resp}
		return slot
	}

	innerSlot := s.inner.Call(ctx, req)
	slot := service.NewSlot[Resp]()
	go func() {
		var o service.Outcome[Resp]
		select {
		case o = <-innerSlot:
		case <-ctx.Done():
			o.Err = ctx.Err()
		}
		if o.Err == nil && (s.cacheable == nil || s.cacheable(o.Response)) {
			s.cache.Set(key, o.Response)
			s.logger.Debug().Str("cacheKey", key).Msg("cached response")
		}
		slot <- o
	}()
	return slot
}
