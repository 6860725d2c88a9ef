package upstream

import (
	"errors"
	"fmt"
	"sync/atomic"

	"batchgate/internal/config"
	"batchgate/internal/jsonrpc"
)

// Role represents the upstream role
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// RoleFromConfig converts config.Role to upstream.Role
func RoleFromConfig(r config.Role) Role {
	switch r {
	case config.RoleFallback:
		return RoleFallback
	default:
		return RoleMain
	}
}

var (
	// ErrUpstreamClosed is the Closed reason of an upstream after Close
	ErrUpstreamClosed = errors.New("upstream closed")
	// ErrMissingResponse marks a batch entry the upstream did not answer
	ErrMissingResponse = errors.New("upstream returned no response for request")
)

// ResponseError carries a JSON-RPC error response that another upstream might answer differently
type ResponseError struct {
	Upstream string
	Response *jsonrpc.Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.Upstream, e.Response.Error.Error())
}

// Unwrap exposes the JSON-RPC error object
func (e *ResponseError) Unwrap() error {
	return e.Response.Error
}

// Status holds the traffic counters of an upstream
type Status struct {
	requests atomic.Uint64
	batches  atomic.Uint64
	failures atomic.Uint64
}

// StatusSnapshot is a point-in-time copy of Status
type StatusSnapshot struct {
	Requests uint64
	Batches  uint64
	Failures uint64
}

// NewStatus creates a new Status
func NewStatus() *Status {
	return &Status{}
}

// IncrementRequestCountBy adds count JSON-RPC requests sent upstream
func (s *Status) IncrementRequestCountBy(count uint64) {
	s.requests.Add(count)
}

// IncrementBatchCount counts one HTTP batch call
func (s *Status) IncrementBatchCount() {
	s.batches.Add(1)
}

// IncrementFailureCount counts one failed HTTP call
func (s *Status) IncrementFailureCount() {
	s.failures.Add(1)
}

// Swap returns the counters and resets them to zero
func (s *Status) Swap() StatusSnapshot {
	return StatusSnapshot{
		Requests: s.requests.Swap(0),
		Batches:  s.batches.Swap(0),
		Failures: s.failures.Swap(0),
	}
}
