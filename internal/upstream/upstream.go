package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"batchgate/internal/config"
	"batchgate/internal/jsonrpc"
	"batchgate/internal/service"
)

// Upstream represents a single HTTP JSON-RPC endpoint
type Upstream struct {
	name   string
	rpcURL string
	role   Role
	weight int

	httpClient *http.Client
	breaker    *CircuitBreaker
	status     *Status
	closed     atomic.Bool
	logger     zerolog.Logger
}

// Config for creating a new Upstream
type Config struct {
	Name           string
	RPCURL         string
	Role           Role
	Weight         int
	RequestTimeout time.Duration
	CircuitBreaker CircuitBreakerConfig
	Logger         zerolog.Logger
}

// NewUpstream creates a new Upstream instance
func NewUpstream(cfg Config) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	return &Upstream{
		name:       cfg.Name,
		rpcURL:     cfg.RPCURL,
		role:       cfg.Role,
		weight:     max(cfg.Weight, 1),
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(cfg.CircuitBreaker),
		status:     NewStatus(),
		logger:     cfg.Logger.With().Str("upstream", cfg.Name).Logger(),
	}
}

// NewUpstreamFromConfig creates an Upstream from config
func NewUpstreamFromConfig(cfg config.UpstreamConfig, globalCfg *config.Config, logger zerolog.Logger) *Upstream {
	var cb CircuitBreakerConfig
	if globalCfg.IsCircuitBreakerEnabled() {
		cb = CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    globalCfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     globalCfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: globalCfg.CircuitBreaker.HalfOpenMaxRequests,
		}
	}
	return NewUpstream(Config{
		Name:           cfg.Name,
		RPCURL:         cfg.RPCURL,
		Role:           RoleFromConfig(cfg.Role),
		Weight:         cfg.Weight,
		RequestTimeout: globalCfg.GetRequestTimeoutDuration(),
		CircuitBreaker: cb,
		Logger:         logger,
	})
}

// Name returns the upstream name
func (u *Upstream) Name() string {
	return u.name
}

// Role returns the upstream role
func (u *Upstream) Role() Role {
	return u.role
}

// Weight returns the weight for load balancing
func (u *Upstream) Weight() int {
	return u.weight
}

// BreakerState returns the circuit breaker state name
func (u *Upstream) BreakerState() string {
	return u.breaker.State()
}

// SwapStatus returns the traffic counters and resets them
func (u *Upstream) SwapStatus() StatusSnapshot {
	return u.status.Swap()
}

// Readiness reports whether the upstream admits calls
func (u *Upstream) Readiness() service.Readiness {
	if u.closed.Load() {
		return service.Closed(fmt.Errorf("%w: %s", ErrUpstreamClosed, u.name))
	}
	if ok, wake := u.breaker.Readiness(); !ok {
		return service.NotReady(wake)
	}
	return service.Ready()
}

// ExecuteHTTP sends a single JSON-RPC request via HTTP
func (u *Upstream) ExecuteHTTP(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	responses, err := u.post(ctx, reqBytes)
	if err != nil {
		return nil, err
	}
	u.status.IncrementRequestCountBy(1)

	if len(responses) != 1 {
		return nil, fmt.Errorf("expected 1 response, got %d", len(responses))
	}
	return responses[0], nil
}

// ExecuteBatch sends a batch of JSON-RPC requests in one HTTP call
func (u *Upstream) ExecuteBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	reqBytes, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	responses, err := u.post(ctx, reqBytes)
	if err != nil {
		return nil, err
	}
	u.status.IncrementRequestCountBy(uint64(len(requests)))
	u.status.IncrementBatchCount()

	return responses, nil
}

// post performs one HTTP round trip and feeds the circuit breaker
func (u *Upstream) post(ctx context.Context, body []byte) ([]*jsonrpc.Response, error) {
	permit, err := u.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, u.name)
	}

	responses, err := u.roundTrip(ctx, body)
	if err != nil {
		// a cancelled caller says nothing about upstream health
		if ctx.Err() != nil {
			u.breaker.Abandon(permit)
			return nil, err
		}
		u.status.IncrementFailureCount()
		u.breaker.RecordFailure(permit)
		return nil, err
	}
	u.breaker.RecordSuccess(permit)
	return responses, nil
}

func (u *Upstream) roundTrip(ctx context.Context, body []byte) ([]*jsonrpc.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	responses, err := jsonrpc.ParseBatchResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return responses, nil
}

// Close makes the upstream report Closed and releases idle connections
func (u *Upstream) Close() {
	if !u.closed.CompareAndSwap(false, true) {
		return
	}
	u.breaker.Stop()
	u.httpClient.CloseIdleConnections()
	u.logger.Debug().Msg("upstream closed")
}
