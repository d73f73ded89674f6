package main

import (
    "context"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/labstack/echo/v4"
    "go.uber.org/zap"

    "github.com/iliyamo/procore-qc/internal/config"
    "github.com/iliyamo/procore-qc/internal/database"
    "github.com/iliyamo/procore-qc/internal/handler"
    "github.com/iliyamo/procore-qc/internal/logger"
    "github.com/iliyamo/procore-qc/internal/middleware"
    "github.com/iliyamo/procore-qc/internal/queue"
    "github.com/iliyamo/procore-qc/internal/repository"
    "github.com/iliyamo/procore-qc/internal/router"
    "github.com/iliyamo/procore-qc/internal/service"
    "github.com/iliyamo/procore-qc/internal/utils"
)

func main() {
    _ = godotenv.Load()

    cfg, err := config.Load()
    if err != nil {
        logger.New("info", "").Fatal("config", zap.Error(err))
    }
    log := logger.New(cfg.LogLevel, cfg.Env)
    defer func() { _ = log.Sync() }()

    db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
    if err != nil {
        log.Fatal("database", zap.String("target", cfg.DSNDisplay()), zap.Error(err))
    }
    defer db.Close()
    if cfg.DBAutoMigrate {
        ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
        err := database.ApplySchema(ctx, db)
        cancel()
        if err != nil {
            log.Fatal("apply schema", zap.Error(err))
        }
    }

    rdb := config.NewRedisClient(config.LoadRedisConfig())
    if rdb == nil {
        log.Warn("redis unavailable: using in-process state store and refresh lock, rate limit and cache disabled")
    } else {
        defer rdb.Close()
    }

    var sealer repository.TokenSealer
    if cfg.TokenEncryptionKey != "" {
        cipher, err := utils.NewTokenCipher(cfg.TokenEncryptionKey)
        if err != nil {
            log.Fatal("token cipher", zap.Error(err))
        }
        sealer = cipher
    } else {
        log.Warn("TOKEN_ENCRYPTION_KEY not set: Procore tokens are stored unencrypted")
    }

    connections := repository.NewConnectionRepo(db, sealer)
    companies := repository.NewCompanyRepo(db)

    var events service.EventPublisher = service.NopPublisher{}
    if cfg.AMQPURL != "" {
        pub := service.NewAMQPPublisher(cfg.AMQPURL, log)
        defer pub.Close()
        events = pub
    }

    httpClient := &http.Client{Timeout: cfg.DownloadTimeout}
    manager := service.NewOAuthManager(service.OAuthConfig{
        ClientID:     cfg.ProcoreClientID,
        ClientSecret: cfg.ProcoreClientSecret,
        RedirectURI:  cfg.ProcoreRedirectURI,
        AuthURL:      cfg.ProcoreAuthURL,
        TokenURL:     cfg.ProcoreTokenURL,
        APIBaseURL:   cfg.ProcoreAPIBaseURL,
        Scopes:       cfg.ProcoreScopes,
        Timeout:      cfg.UpstreamTimeout,
    }, service.ManagerDeps{
        Connections: connections,
        Companies:   companies,
        Locker:      service.NewRefreshLocker(rdb, cfg.RefreshLockTTL, cfg.RefreshLockWait, log),
        Events:      events,
        HTTPClient:  httpClient,
        Log:         log,
    })
    client := service.NewAPIClient(service.APIClientConfig{
        BaseURL:         cfg.ProcoreAPIBaseURL,
        Timeout:         cfg.UpstreamTimeout,
        DownloadTimeout: cfg.DownloadTimeout,
        HTTPClient:      httpClient,
    }, manager, companies)
    states := service.NewStateStore(rdb, config.LoadOAuthStateConfig())

    e := echo.New()
    e.HideBanner = true
    e.HTTPErrorHandler = handler.ErrorHandler(log)
    e.Use(middleware.RequestLogger(log))

    router.RegisterRoutes(e, handler.Health(db, rdb))
    router.RegisterProcore(e, handler.NewProcoreHandler(cfg, manager, client, states, log), router.Options{
        SessionSecret: cfg.SessionJWTSecret,
        RateLimit:     config.LoadRateLimitConfig(),
        Cache:         config.LoadCacheConfig(),
        Redis:         rdb,
    })

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    if cfg.EventsConsumer && cfg.AMQPURL != "" {
        consumer := &queue.AuditConsumer{URL: cfg.AMQPURL, LogDir: cfg.EventsLogDir, Log: log}
        go func() {
            if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
                log.Error("audit consumer stopped", zap.Error(err))
            }
        }()
    }

    go func() {
        addr := ":" + cfg.Port
        log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env),
            zap.Bool("redis", rdb != nil), zap.Bool("events", cfg.AMQPURL != ""),
            zap.Bool("sessions", cfg.SessionJWTSecret != ""))
        if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Fatal("server", zap.Error(err))
        }
    }()

    <-ctx.Done()
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    if err := e.Shutdown(shutdownCtx); err != nil {
        log.Error("shutdown", zap.Error(err))
    }
}
