package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"batchgate/internal/balancer"
	"batchgate/internal/batcher"
	"batchgate/internal/cache"
	"batchgate/internal/config"
	"batchgate/internal/fallback"
	"batchgate/internal/jsonrpc"
	"batchgate/internal/service"
	"batchgate/internal/upstream"
)

type (
	rpcService = service.Service[*jsonrpc.Request, *jsonrpc.Response]
	rpcBatch   = batcher.Batch[*jsonrpc.Request, *jsonrpc.Response]
)

// Group serves one upstream group.
//
// Requests to the main upstreams are coalesced by a batch worker, and each
// batch goes to one main upstream picked by weighted round-robin. When the
// group has a fallback upstream, requests the main side cannot accept within
// the readiness timeout, or that it fails, are sent there one by one.
// Successful responses are optionally cached per group.
type Group struct {
	name     string
	mains    []*upstream.Upstream
	fallback *upstream.Upstream

	balancer *balancer.WeightedRoundRobin[[]*jsonrpc.Request, upstream.BatchOutcomes]
	batch    *rpcBatch
	router   *fallback.Fallback[*jsonrpc.Request, *jsonrpc.Response]
	cache    cache.Cache[*jsonrpc.Response]
	disabled map[string]bool

	logger zerolog.Logger
}

// NewGroup builds the service chain for a group
func NewGroup(groupCfg config.GroupConfig, cfg *config.Config, logger zerolog.Logger) (*Group, error) {
	logger = logger.With().Str("group", groupCfg.Name).Logger()

	var mains []*upstream.Upstream
	for _, mainCfg := range groupCfg.MainUpstreams() {
		mains = append(mains, upstream.NewUpstreamFromConfig(mainCfg, cfg, logger))
	}
	var fb *upstream.Upstream
	if fbCfg, ok := groupCfg.FallbackUpstream(); ok {
		fb = upstream.NewUpstreamFromConfig(fbCfg, cfg, logger)
	}

	var rpcCache cache.Cache[*jsonrpc.Response] = cache.NewNoopCache[*jsonrpc.Response]()
	if cfg.IsCacheEnabled() {
		mc, err := cache.NewMemoryCache[*jsonrpc.Response](cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		rpcCache = mc
	}

	g, err := newGroup(groupCfg.Name, mains, fb, rpcCache, cfg, logger)
	if err != nil {
		rpcCache.Close()
		return nil, err
	}
	return g, nil
}

func newGroup(name string, mains []*upstream.Upstream, fb *upstream.Upstream, rpcCache cache.Cache[*jsonrpc.Response], cfg *config.Config, logger zerolog.Logger) (*Group, error) {
	g := &Group{
		name:     name,
		mains:    mains,
		fallback: fb,
		cache:    rpcCache,
		disabled: make(map[string]bool),
		logger:   logger,
	}
	if cfg.Cache != nil {
		for _, method := range cfg.Cache.DisabledMethods {
			g.disabled[method] = true
		}
	}

	members := make([]balancer.Member[[]*jsonrpc.Request, upstream.BatchOutcomes], len(mains))
	for i, u := range mains {
		members[i] = balancer.Member[[]*jsonrpc.Request, upstream.BatchOutcomes]{
			Name:    u.Name(),
			Weight:  u.Weight(),
			Service: u.BatchService(),
		}
	}
	lb, err := balancer.New(members, logger)
	if err != nil {
		g.closeUpstreams()
		return nil, err
	}
	g.balancer = lb

	batch, err := batcher.New[*jsonrpc.Request, *jsonrpc.Response](lb, batcher.Config{
		MaxSize:   cfg.Batch.MaxSize,
		MaxWait:   cfg.Batch.GetMaxWaitDuration(),
		QueueSize: cfg.Batch.QueueSize,
	}, logger)
	if err != nil {
		g.closeUpstreams()
		return nil, err
	}
	g.batch = batch

	if fb != nil {
		g.router, err = fallback.New[*jsonrpc.Request, *jsonrpc.Response](batch, fb.Service(), fallback.Config{
			ReadyTimeout: cfg.Fallback.GetReadyTimeoutDuration(),
		}, logger)
		if err != nil {
			_ = batch.Shutdown(context.Background())
			g.closeUpstreams()
			return nil, err
		}
	}

	return g, nil
}

// Name returns the group name
func (g *Group) Name() string {
	return g.name
}

// handle returns a service for one request and the function releasing it
func (g *Group) handle() (rpcService, func()) {
	var svc rpcService
	release := func() {}
	if g.router != nil {
		svc = g.router
	} else {
		h := g.batch.Clone()
		svc, release = h, h.Close
	}

	svc = cache.NewService[*jsonrpc.Request, *jsonrpc.Response](svc, g.cache, g.logger,
		cache.WithKeyFunc[*jsonrpc.Request, *jsonrpc.Response](g.cacheKey),
		cache.WithCacheable[*jsonrpc.Request, *jsonrpc.Response](func(resp *jsonrpc.Response) bool {
			return !resp.HasError() && !resp.ResultIsNull()
		}),
	)
	return svc, release
}

// cacheKey identifies a request by method and decoded params, ignoring its ID
func (g *Group) cacheKey(req *jsonrpc.Request) (string, bool) {
	if req.IsNotification() || g.disabled[req.Method] {
		return "", false
	}
	fp, err := req.Fingerprint()
	if err != nil {
		return "", false
	}
	return cache.CBORKey(fp)
}

// Execute runs one request through the group's chain.
// Failures are turned into JSON-RPC error responses.
func (g *Group) Execute(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	svc, release := g.handle()
	defer release()

	resp, err := service.Oneshot(ctx, svc, req)
	if err != nil {
		g.logger.Debug().Err(err).Str("method", req.Method).Msg("request failed")
		return jsonrpc.NewErrorResponse(req.ID, errorFor(err))
	}
	return resp.WithID(req.ID)
}

// errorFor maps a chain failure to the JSON-RPC error sent to the client
func errorFor(err error) *jsonrpc.Error {
	var respErr *upstream.ResponseError
	switch {
	case errors.As(err, &respErr):
		return respErr.Response.Error
	case errors.Is(err, service.ErrBackpressureExceeded):
		return jsonrpc.NewError(jsonrpc.CodeBackpressure, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewError(jsonrpc.CodeTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewError(jsonrpc.CodeTimeout, "request cancelled")
	case errors.Is(err, upstream.ErrCircuitOpen), errors.Is(err, balancer.ErrNoneReady):
		return jsonrpc.NewError(jsonrpc.CodeServiceUnavailable, err.Error())
	case service.IsPermanent(err):
		return jsonrpc.NewError(jsonrpc.CodeServiceUnavailable, err.Error())
	default:
		return jsonrpc.NewError(jsonrpc.CodeUpstreamError, err.Error())
	}
}

// LogStats logs and resets the group's traffic counters
func (g *Group) LogStats() {
	bs := g.batch.Stats()
	ev := g.logger.Info().
		Uint64("batches", bs.Batches).
		Uint64("entries", bs.Entries).
		Uint64("sizeTriggered", bs.SizeTriggered).
		Uint64("timerTriggered", bs.TimerTriggered).
		Int("cached", g.cache.Len())

	picks := g.balancer.Stats()
	for _, u := range g.mains {
		ms := u.SwapStatus()
		g.logger.Info().
			Str("main", u.Name()).
			Int("weight", u.Weight()).
			Str("breaker", u.BreakerState()).
			Uint64("batchesRouted", picks[u.Name()]).
			Uint64("requests", ms.Requests).
			Uint64("failures", ms.Failures).
			Msg("main upstream stats")
	}

	if g.router != nil {
		fs := g.router.Stats()
		ev = ev.Str("fallback", g.fallback.Name()).
			Uint64("routedPrimary", fs.Primary).
			Uint64("routedFallback", fs.Fallback).
			Uint64("readyTimeouts", fs.ReadyTimeouts).
			Uint64("exhausted", fs.Exhausted)
	}
	ev.Msg("group stats")
}

// Close flushes the batch worker and releases the upstreams.
// Requests still queued when ctx expires fail.
func (g *Group) Close(ctx context.Context) error {
	err := g.batch.Shutdown(ctx)
	g.closeUpstreams()
	g.cache.Close()
	if err != nil {
		return fmt.Errorf("group %s: %w", g.name, err)
	}
	return nil
}

func (g *Group) closeUpstreams() {
	for _, u := range g.mains {
		u.Close()
	}
	if g.fallback != nil {
		g.fallback.Close()
	}
}
