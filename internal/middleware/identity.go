package middleware

// identity.go resolves which Procore user a request acts for.  The session
// middleware stores the verified subject under "user_id"; without sessions
// the user_id query parameter is trusted as-is.

import (
    "net/http"
    "strings"

    "github.com/labstack/echo/v4"
)

const (
    userIDKey         = "user_id"
    SessionCookieName = "procore_session"
)

// UserID returns the Procore user the request is scoped to, or "" when
// none was supplied.
func UserID(c echo.Context) string {
    if v, ok := c.Get(userIDKey).(string); ok && v != "" {
        return v
    }
    return strings.TrimSpace(c.QueryParam("user_id"))
}

// currentUserID is UserID with a placeholder for anonymous callers, used
// in rate limit keys.
func currentUserID(c echo.Context) string {
    if uid := UserID(c); uid != "" {
        return uid
    }
    return "anon"
}

// sessionToken looks for the session JWT in the Authorization header, then
// the session cookie.
func sessionToken(c echo.Context) string {
    auth := c.Request().Header.Get(echo.HeaderAuthorization)
    if strings.HasPrefix(auth, "Bearer ") {
        return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
    }
    if ck, err := c.Cookie(SessionCookieName); err == nil && ck.Value != "" {
        return ck.Value
    }
    return ""
}

// SessionCookie builds the cookie the callback may set alongside the
// redirect.
func SessionCookie(token string, maxAge int, secure bool) *http.Cookie {
    return &http.Cookie{
        Name:     SessionCookieName,
        Value:    token,
        Path:     "/api/procore",
        MaxAge:   maxAge,
        HttpOnly: true,
        Secure:   secure,
        SameSite: http.SameSiteLaxMode,
    }
}
