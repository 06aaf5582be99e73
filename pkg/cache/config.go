package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DescriptorCacheConfig holds configuration for the descriptor cache layer.
type DescriptorCacheConfig struct {
	// Enabled controls whether the cache is active. When false, NewDescriptorCache
	// returns nil and callers must treat a nil *DescriptorCache as a no-op.
	Enabled bool

	// TTL is how long a cached descriptor remains valid absent invalidation.
	TTL time.Duration

	// MaxSize is the maximum number of cached descriptors.
	MaxSize int
}

// DefaultDescriptorCacheConfig returns a DescriptorCacheConfig with sensible defaults.
func DefaultDescriptorCacheConfig() *DescriptorCacheConfig {
	return &DescriptorCacheConfig{
		Enabled: true,
		TTL:     10 * time.Minute,
		MaxSize: 10000,
	}
}

// DescriptorCacheConfigFromEnv reads descriptor cache configuration from
// environment variables, falling back to defaults for any unset variable.
//
// Environment variables:
//   - REFLECTION_CACHE_ENABLED: "true" or "false" (default: "true")
//   - REFLECTION_CACHE_TTL_SECONDS: duration in seconds (default: 600)
//   - REFLECTION_CACHE_MAX_SIZE: max entries (default: 10000)
func DescriptorCacheConfigFromEnv() *DescriptorCacheConfig {
	cfg := DefaultDescriptorCacheConfig()

	if v := os.Getenv("REFLECTION_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("REFLECTION_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("REFLECTION_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}
