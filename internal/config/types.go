package config

import "time"

// Role defines the upstream role type
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// Config represents the main configuration structure
type Config struct {
	Host             string                `json:"host" toml:"host"`
	RPCPort          int                   `json:"rpcPort" toml:"rpcPort"`
	WSPort           int                   `json:"wsPort" toml:"wsPort"`
	LogLevel         string                `json:"logLevel" toml:"logLevel"`
	MaxBodySize      int64                 `json:"maxBodySize" toml:"maxBodySize"`
	RequestTimeout   int                   `json:"requestTimeout" toml:"requestTimeout"`     // ms
	StatsLogInterval int                   `json:"statsLogInterval" toml:"statsLogInterval"` // ms
	Batch            BatchConfig           `json:"batch" toml:"batch"`
	Fallback         FallbackConfig        `json:"fallback" toml:"fallback"`
	CircuitBreaker   *CircuitBreakerConfig `json:"circuitBreaker,omitempty" toml:"circuitBreaker,omitempty"`
	Cache            *CacheConfig          `json:"cache,omitempty" toml:"cache,omitempty"`
	Groups           []GroupConfig         `json:"groups" toml:"groups"`
}

// BatchConfig controls the batch worker placed in front of each main upstream
type BatchConfig struct {
	MaxSize   int `json:"maxSize" toml:"maxSize"`
	MaxWait   int `json:"maxWait" toml:"maxWait"` // ms
	QueueSize int `json:"queueSize" toml:"queueSize"`
}

// FallbackConfig controls routing between main and fallback upstreams
type FallbackConfig struct {
	ReadyTimeout int `json:"readyTimeout" toml:"readyTimeout"` // ms
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" toml:"enabled"`
	FailureThreshold    int  `json:"failureThreshold" toml:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout" toml:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" toml:"halfOpenMaxRequests"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Enabled         bool     `json:"enabled" toml:"enabled"`
	TTL             int      `json:"ttl" toml:"ttl"`                         // seconds
	Size            int      `json:"size" toml:"size"`                       // number of entries
	DisabledMethods []string `json:"disabledMethods" toml:"disabledMethods"` // methods to exclude from caching
}

// GroupConfig represents a group of upstreams
type GroupConfig struct {
	Name      string           `json:"name" toml:"name"`
	Upstreams []UpstreamConfig `json:"upstreams" toml:"upstreams"`
}

// UpstreamConfig represents a single upstream configuration
type UpstreamConfig struct {
	Name   string `json:"name" toml:"name"`
	RPCURL string `json:"rpcUrl" toml:"rpcUrl"`
	Role   Role   `json:"role" toml:"role"`
	Weight int    `json:"weight" toml:"weight"` // share among main upstreams
}

// Default values
const (
	DefaultHost                 = "localhost"
	DefaultRPCPort              = 8545
	DefaultWSPort               = 8546
	DefaultLogLevel             = "info"
	DefaultMaxBodySize          = int64(0) // 0 means no limit
	DefaultRequestTimeout       = 5000     // ms
	DefaultStatsLogInterval     = 60000    // ms
	DefaultBatchMaxSize         = 64
	DefaultBatchMaxWait         = 10 // ms
	DefaultBatchQueueSize       = 1024
	DefaultFallbackReadyTimeout = 250 // ms
	DefaultFailureThreshold     = 5
	DefaultRecoveryTimeout      = 30000 // ms
	DefaultHalfOpenMaxRequests  = 1
	DefaultUpstreamRole         = RoleMain
	DefaultUpstreamWeight       = 1
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetStatsLogIntervalDuration returns stats log interval as time.Duration
func (c *Config) GetStatsLogIntervalDuration() time.Duration {
	return time.Duration(c.StatsLogInterval) * time.Millisecond
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsCircuitBreakerEnabled returns true if the circuit breaker is configured and enabled
func (c *Config) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}

// GetMaxWaitDuration returns the batch timer as time.Duration
func (b *BatchConfig) GetMaxWaitDuration() time.Duration {
	return time.Duration(b.MaxWait) * time.Millisecond
}

// GetReadyTimeoutDuration returns the main readiness bound as time.Duration
func (f *FallbackConfig) GetReadyTimeoutDuration() time.Duration {
	return time.Duration(f.ReadyTimeout) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// MainUpstreams returns the group's main upstreams in declaration order
func (g *GroupConfig) MainUpstreams() []UpstreamConfig {
	var mains []UpstreamConfig
	for _, u := range g.Upstreams {
		if u.Role == RoleMain {
			mains = append(mains, u)
		}
	}
	return mains
}

// FallbackUpstream returns the group's fallback upstream, if any
func (g *GroupConfig) FallbackUpstream() (UpstreamConfig, bool) {
	for _, u := range g.Upstreams {
		if u.Role == RoleFallback {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}
