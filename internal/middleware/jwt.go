package middleware

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/procore-qc/internal/apperror"
    "github.com/iliyamo/procore-qc/internal/utils"
)

// SessionAuth verifies the HS256 session token issued by the OAuth
// callback and pins the request to its subject.  A user_id query parameter
// that disagrees with the token is rejected.  With an empty secret
// sessions are disabled and the middleware is a no-op.
func SessionAuth(secret string) echo.MiddlewareFunc {
    if secret == "" {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw := sessionToken(c)
            if raw == "" {
                return apperror.Unauthorized("missing session token")
            }
            sub, err := utils.ParseSessionToken(secret, raw)
            if err != nil {
                return apperror.Unauthorized("invalid session token")
            }
            if uid := c.QueryParam("user_id"); uid != "" && uid != sub {
                return apperror.Unauthorized("session does not match user_id")
            }
            c.Set(userIDKey, sub)
            return next(c)
        }
    }
}

// RequireUser rejects requests that carry no Procore user id.
func RequireUser() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if UserID(c) == "" {
                return apperror.Validation("user_id is required", nil)
            }
            return next(c)
        }
    }
}
