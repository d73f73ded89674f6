package middleware

import (
    "time"

    "github.com/google/uuid"
    "github.com/labstack/echo/v4"
    "go.uber.org/zap"

    "github.com/iliyamo/procore-qc/internal/logger"
)

// RequestLogger tags every request with an X-Request-Id (reusing the
// client's when present), stores a request-scoped logger in the request
// context and logs one line per request once the response is written.
func RequestLogger(base *zap.Logger) echo.MiddlewareFunc {
    if base == nil {
        base = zap.NewNop()
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            req := c.Request()
            rid := req.Header.Get(echo.HeaderXRequestID)
            if rid == "" {
                rid = uuid.NewString()
            }
            c.Response().Header().Set(echo.HeaderXRequestID, rid)
            log := logger.WithRequestID(base, rid)
            c.SetRequest(req.WithContext(logger.IntoContext(req.Context(), log)))

            start := time.Now()
            if err := next(c); err != nil {
                c.Error(err)
            }

            res := c.Response()
            fields := []zap.Field{
                zap.String("method", req.Method),
                zap.String("path", c.Path()),
                zap.Int("status", res.Status),
                zap.Int64("bytes", res.Size),
                zap.Duration("duration", time.Since(start)),
            }
            switch {
            case res.Status >= 500:
                log.Error("request", fields...)
            case res.Status >= 400:
                log.Warn("request", fields...)
            default:
                log.Info("request", fields...)
            }
            return nil
        }
    }
}
