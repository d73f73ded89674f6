package config

import (
    "strings"
    "time"
)

// RateLimitConfig configures the token bucket applied to /api/procore.
// Capacity tokens are available per key; RefillTokens are added back every
// RefillInterval.  Buckets expire after TTL of inactivity.
type RateLimitConfig struct {
    Enabled        bool
    Capacity       int
    RefillTokens   int
    RefillInterval time.Duration
    TTL            time.Duration
    KeyStrategy    string // ip, user, route, ip_user, ip_route, user_route, ip_user_route
    Prefix         string
}

// LoadRateLimitConfig reads RATE_LIMIT_* variables.  Out of range values
// are clamped rather than rejected.
func LoadRateLimitConfig() RateLimitConfig {
    rl := RateLimitConfig{
        Enabled:        envBool("RATE_LIMIT_ENABLED", true),
        Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
        RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
        RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
        TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
        KeyStrategy:    strings.ToLower(envStr("RATE_LIMIT_KEY_STRATEGY", "ip_user_route")),
        Prefix:         envStr("RATE_LIMIT_PREFIX", "procore:rl"),
    }
    if rl.Capacity < 1 {
        rl.Capacity = 1
    }
    if rl.RefillTokens < 1 {
        rl.RefillTokens = 1
    }
    if rl.RefillInterval <= 0 {
        rl.RefillInterval = time.Second
    }
    if minTTL := 5 * rl.RefillInterval; rl.TTL < minTTL {
        rl.TTL = minTTL
    }
    return rl
}

// CacheConfig configures the Redis response cache placed in front of the
// read-only Procore proxy routes.  Keys always include the query string so
// entries never cross user_id boundaries.
type CacheConfig struct {
    Enabled      bool
    TTL          time.Duration
    Prefix       string
    MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* variables.
func LoadCacheConfig() CacheConfig {
    cc := CacheConfig{
        Enabled:      envBool("CACHE_ENABLED", true),
        TTL:          envDur("CACHE_TTL", 30*time.Second),
        Prefix:       envStr("CACHE_PREFIX", "procore:cache"),
        MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
    }
    if cc.TTL <= 0 {
        cc.TTL = 30 * time.Second
    }
    return cc
}

// OAuthStateConfig configures storage of OAuth state values between the
// authorize redirect and the callback.
type OAuthStateConfig struct {
    TTL    time.Duration
    Prefix string
}

// LoadOAuthStateConfig reads OAUTH_STATE_* variables.
func LoadOAuthStateConfig() OAuthStateConfig {
    sc := OAuthStateConfig{
        TTL:    envDur("OAUTH_STATE_TTL", 10*time.Minute),
        Prefix: envStr("OAUTH_STATE_PREFIX", "procore:oauth_state"),
    }
    if sc.TTL <= 0 {
        sc.TTL = 10 * time.Minute
    }
    return sc
}
