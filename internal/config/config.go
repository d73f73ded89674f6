package config // package config loads application configuration from environment variables

import (
    "fmt"
    "os"
    "sort"
    "strconv"
    "strings"
    "time"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Required keys are collected by Load and reported
// together; everything else falls back to a development default.
type Config struct {
    Env      string // application environment (e.g. "dev", "production")
    Port     string // HTTP port to listen on
    LogLevel string // zap level name

    DBUser        string // database username
    DBPass        string // database password (optional)
    DBHost        string // database host address
    DBPort        string // database port number
    DBName        string // database name
    DBAutoMigrate bool   // apply the embedded schema at startup

    ProcoreClientID     string // OAuth client id
    ProcoreClientSecret string // OAuth client secret
    ProcoreRedirectURI  string // callback registered with Procore
    ProcoreAuthURL      string // authorization endpoint
    ProcoreTokenURL     string // token endpoint
    ProcoreAPIBaseURL   string // REST API root, without /rest/v1.0
    ProcoreScopes       []string

    UpstreamTimeout  time.Duration // bound for OAuth and API calls
    DownloadTimeout  time.Duration // bound for file downloads
    RefreshLockWait  time.Duration // how long a request waits for another refresh
    RefreshLockTTL   time.Duration // lifetime of the per-user refresh lock

    FrontendURL        string // where the OAuth callback sends the browser
    TokenEncryptionKey string // secret used to seal tokens at rest (empty = plaintext)
    SessionJWTSecret   string // secret for session tokens (empty = sessions disabled)
    SessionTTLMin      int    // session token time-to-live in minutes

    AMQPURL         string // RabbitMQ URL for connection events (empty = events disabled)
    EventsConsumer  bool   // run the audit consumer in-process
    EventsLogDir    string // directory of the audit log written by the consumer
}

// DSNDisplay returns the database target with credentials masked.
func (c Config) DSNDisplay() string {
    return fmt.Sprintf("***@tcp(%s:%s)/%s", c.DBHost, c.DBPort, c.DBName)
}

// Load reads configuration values from environment variables and returns a
// Config.  Missing required variables are reported in a single error.
func Load() (Config, error) {
    var missing []string
    must := func(key string) string {
        v, ok := os.LookupEnv(key)
        if !ok || v == "" {
            missing = append(missing, key)
        }
        return v
    }

    cfg := Config{
        Env:      envStr("APP_ENV", "dev"),
        Port:     envStr("APP_PORT", "2000"),
        LogLevel: envStr("LOG_LEVEL", "info"),

        DBUser:        must("DB_USER"),
        DBPass:        os.Getenv("DB_PASS"),
        DBHost:        must("DB_HOST"),
        DBPort:        envStr("DB_PORT", "3306"),
        DBName:        must("DB_NAME"),
        DBAutoMigrate: envBool("DB_AUTO_MIGRATE", false),

        ProcoreClientID:     must("PROCORE_CLIENT_ID"),
        ProcoreClientSecret: must("PROCORE_CLIENT_SECRET"),
        ProcoreRedirectURI:  envStr("PROCORE_REDIRECT_URI", "http://localhost:2000/api/procore/oauth/callback"),
        ProcoreAuthURL:      envStr("PROCORE_AUTH_URL", "https://login.procore.com/oauth/authorize"),
        ProcoreTokenURL:     envStr("PROCORE_TOKEN_URL", "https://login.procore.com/oauth/token"),
        ProcoreAPIBaseURL:   strings.TrimRight(envStr("PROCORE_API_BASE_URL", "https://api.procore.com"), "/"),
        ProcoreScopes:       strings.Fields(envStr("PROCORE_SCOPES", "read write")),

        UpstreamTimeout: envDur("PROCORE_TIMEOUT", 30*time.Second),
        DownloadTimeout: envDur("PROCORE_DOWNLOAD_TIMEOUT", 60*time.Second),
        RefreshLockWait: envDur("PROCORE_REFRESH_LOCK_WAIT", 10*time.Second),
        RefreshLockTTL:  envDur("PROCORE_REFRESH_LOCK_TTL", 45*time.Second),

        FrontendURL:        strings.TrimRight(envStr("FRONTEND_URL", "http://localhost:5173"), "/"),
        TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),
        SessionJWTSecret:   os.Getenv("SESSION_JWT_SECRET"),
        SessionTTLMin:      envInt("SESSION_TTL_MIN", 720),

        AMQPURL:        firstNonEmpty(os.Getenv("RABBITMQ_URL"), os.Getenv("AMQP_URL")),
        EventsConsumer: envBool("EVENTS_CONSUMER_ENABLED", false),
        EventsLogDir:   envStr("EVENTS_LOG_DIR", "logs"),
    }

    if len(missing) > 0 {
        sort.Strings(missing)
        return cfg, fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
    }
    if cfg.SessionTTLMin < 1 {
        return cfg, fmt.Errorf("invalid SESSION_TTL_MIN: %d", cfg.SessionTTLMin)
    }
    if cfg.RefreshLockTTL <= cfg.UpstreamTimeout {
        // the lock must outlive the refresh call it protects
        cfg.RefreshLockTTL = cfg.UpstreamTimeout + 15*time.Second
    }
    return cfg, nil
}

func firstNonEmpty(vals ...string) string {
    for _, v := range vals {
        if v != "" {
            return v
        }
    }
    return ""
}

// envStr returns the value of k or d when unset.
func envStr(k, d string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return d
}

func envBool(k string, d bool) bool {
    switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
    case "1", "true", "yes", "on":
        return true
    case "0", "false", "no", "off":
        return false
    }
    return d
}

func envInt(k string, d int) int {
    v := os.Getenv(k)
    if v == "" {
        return d
    }
    if n, err := strconv.Atoi(v); err == nil {
        return n
    }
    return d
}

func envDur(k string, d time.Duration) time.Duration {
    v := os.Getenv(k)
    if v == "" {
        return d
    }
    if dur, err := time.ParseDuration(v); err == nil {
        return dur
    }
    return d
}
