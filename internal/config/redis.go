package config

// Redis backs the OAuth state store, the per-user refresh lock, rate
// limiting and the proxy response cache.  Every consumer has an in-process
// or pass-through fallback, so a nil client is a valid result.

import (
    "context"
    "crypto/tls"
    "os"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings read from REDIS_* variables.
type RedisConfig struct {
    Addr     string
    Password string
    DB       int
    TLS      bool
}

// LoadRedisConfig reads REDIS_HOST/REDIS_PORT (or the REDIS_ADDR shorthand),
// REDIS_PASSWORD, REDIS_DB and REDIS_TLS.
func LoadRedisConfig() RedisConfig {
    rc := RedisConfig{
        Addr:     envStr("REDIS_ADDR", "localhost:6379"),
        Password: os.Getenv("REDIS_PASSWORD"),
        TLS:      envBool("REDIS_TLS", false),
    }
    if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
        rc.Addr = host + ":" + port
    }
    if n, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
        rc.DB = n
    }
    return rc
}

// NewRedisClient connects using rc and pings the server.  It returns nil
// when Redis is disabled (REDIS_ENABLED=false) or unreachable.
func NewRedisClient(rc RedisConfig) *redis.Client {
    if !envBool("REDIS_ENABLED", true) {
        return nil
    }
    var tlsConf *tls.Config
    if rc.TLS {
        tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    client := redis.NewClient(&redis.Options{
        Addr:      rc.Addr,
        Password:  rc.Password,
        DB:        rc.DB,
        TLSConfig: tlsConf,
    })
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        _ = client.Close()
        return nil
    }
    return client
}
