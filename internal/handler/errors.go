package handler

import (
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"

    "github.com/labstack/echo/v4"
    "go.uber.org/zap"

    "github.com/iliyamo/procore-qc/internal/apperror"
    "github.com/iliyamo/procore-qc/internal/logger"
)

// ErrorHandler renders apperror values as {"code","message","details"}.
// Echo's own HTTP errors keep their status; anything else is logged and
// answered with a generic 500 so internals never reach the client.
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
    return func(err error, c echo.Context) {
        if c.Response().Committed {
            return
        }
        ae, ok := apperror.As(err)
        if !ok {
            var he *echo.HTTPError
            if errors.As(err, &he) {
                ae = &apperror.Error{Code: statusCode(he.Code), Status: he.Code, Message: fmt.Sprint(he.Message)}
            } else {
                ae = apperror.Internal(err)
            }
        }

        l := logger.FromContext(c.Request().Context(), log)
        if ae.Status >= http.StatusInternalServerError {
            l.Error("request failed", zap.String("code", string(ae.Code)), zap.Error(err))
        } else {
            l.Debug("request rejected", zap.String("code", string(ae.Code)), zap.Error(err))
        }

        if secs, ok := apperror.RetryAfter(err); ok {
            c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
        }
        var werr error
        if c.Request().Method == http.MethodHead {
            werr = c.NoContent(ae.Status)
        } else {
            werr = c.JSON(ae.Status, ae.Response())
        }
        if werr != nil {
            l.Warn("error response not written", zap.Error(werr))
        }
    }
}

func statusCode(status int) apperror.Code {
    text := http.StatusText(status)
    if text == "" {
        return apperror.CodeInternal
    }
    return apperror.Code(strings.ToUpper(strings.ReplaceAll(text, " ", "_")))
}
