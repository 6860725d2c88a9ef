package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file.
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = DefaultRPCPort
	}
	if cfg.WSPort == 0 {
		cfg.WSPort = DefaultWSPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StatsLogInterval == 0 {
		cfg.StatsLogInterval = DefaultStatsLogInterval
	}
	if cfg.Batch.MaxSize == 0 {
		cfg.Batch.MaxSize = DefaultBatchMaxSize
	}
	if cfg.Batch.MaxWait == 0 {
		cfg.Batch.MaxWait = DefaultBatchMaxWait
	}
	if cfg.Batch.QueueSize == 0 {
		cfg.Batch.QueueSize = DefaultBatchQueueSize
	}
	if cfg.Fallback.ReadyTimeout == 0 {
		cfg.Fallback.ReadyTimeout = DefaultFallbackReadyTimeout
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = DefaultFailureThreshold
		}
		if cb.RecoveryTimeout == 0 {
			cb.RecoveryTimeout = DefaultRecoveryTimeout
		}
		if cb.HalfOpenMaxRequests == 0 {
			cb.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
		}
	}

	for i := range cfg.Groups {
		for j := range cfg.Groups[i].Upstreams {
			if cfg.Groups[i].Upstreams[j].Role == "" {
				cfg.Groups[i].Upstreams[j].Role = DefaultUpstreamRole
			}
			if cfg.Groups[i].Upstreams[j].Weight == 0 {
				cfg.Groups[i].Upstreams[j].Weight = DefaultUpstreamWeight
			}
		}
	}
}

// Validate checks the configuration for errors
func Validate(cfg *Config) error {
	if len(cfg.Groups) == 0 {
		return errors.New("at least one group is required")
	}

	groupNames := make(map[string]bool)
	for i, group := range cfg.Groups {
		if group.Name == "" {
			return fmt.Errorf("group[%d]: name is required", i)
		}

		if groupNames[group.Name] {
			return fmt.Errorf("group[%d]: duplicate group name '%s'", i, group.Name)
		}
		groupNames[group.Name] = true

		if len(group.Upstreams) == 0 {
			return fmt.Errorf("group '%s': at least one upstream is required", group.Name)
		}

		upstreamNames := make(map[string]bool)
		mains, fallbacks := 0, 0
		for j, upstream := range group.Upstreams {
			if upstream.Name == "" {
				return fmt.Errorf("group '%s', upstream[%d]: name is required", group.Name, j)
			}

			if upstreamNames[upstream.Name] {
				return fmt.Errorf("group '%s': duplicate upstream name '%s'", group.Name, upstream.Name)
			}
			upstreamNames[upstream.Name] = true

			if upstream.RPCURL == "" {
				return fmt.Errorf("group '%s', upstream '%s': rpcUrl is required",
					group.Name, upstream.Name)
			}

			if upstream.Weight <= 0 {
				return fmt.Errorf("group '%s', upstream '%s': weight must be positive",
					group.Name, upstream.Name)
			}

			switch upstream.Role {
			case RoleMain:
				mains++
			case RoleFallback:
				fallbacks++
			default:
				return fmt.Errorf("group '%s', upstream '%s': role must be 'main' or 'fallback'",
					group.Name, upstream.Name)
			}
		}

		if mains == 0 {
			return fmt.Errorf("group '%s': at least one main upstream is required", group.Name)
		}
		if fallbacks > 1 {
			return fmt.Errorf("group '%s': at most one fallback upstream is allowed, got %d", group.Name, fallbacks)
		}
	}

	if cfg.RPCPort < 1 || cfg.RPCPort > 65535 {
		return fmt.Errorf("rpcPort must be between 1 and 65535")
	}

	if cfg.WSPort < 1 || cfg.WSPort > 65535 {
		return fmt.Errorf("wsPort must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if cfg.StatsLogInterval < 0 {
		return fmt.Errorf("statsLogInterval must be non-negative")
	}

	if cfg.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.maxSize must be positive")
	}
	if cfg.Batch.MaxWait <= 0 {
		return fmt.Errorf("batch.maxWait must be positive")
	}
	if cfg.Batch.QueueSize <= 0 {
		return fmt.Errorf("batch.queueSize must be positive")
	}
	if cfg.Fallback.ReadyTimeout <= 0 {
		return fmt.Errorf("fallback.readyTimeout must be positive")
	}

	if cb := cfg.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("circuitBreaker.failureThreshold must be positive")
		}
		if cb.RecoveryTimeout <= 0 {
			return fmt.Errorf("circuitBreaker.recoveryTimeout must be positive")
		}
		if cb.HalfOpenMaxRequests <= 0 {
			return fmt.Errorf("circuitBreaker.halfOpenMaxRequests must be positive")
		}
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	return nil
}
