// Package router registers the HTTP routes and their middleware.
package router

import (
    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/procore-qc/internal/config"
    "github.com/iliyamo/procore-qc/internal/handler"
    "github.com/iliyamo/procore-qc/internal/middleware"
)

// Options carries what route registration needs besides the handlers.
type Options struct {
    SessionSecret string
    RateLimit     config.RateLimitConfig
    Cache         config.CacheConfig
    Redis         *redis.Client
}

// RegisterRoutes registers the unauthenticated health check.
func RegisterRoutes(e *echo.Echo, health echo.HandlerFunc) {
    e.GET("/healthz", health)
}

// RegisterProcore mounts the Procore integration under /api/procore.  The
// OAuth authorize and callback routes are public; everything else is
// scoped to a Procore user and, when sessions are enabled, requires a
// session token for that user.
func RegisterProcore(e *echo.Echo, h *handler.ProcoreHandler, opts Options) {
    g := e.Group("/api/procore", middleware.NewTokenBucket(opts.RateLimit, opts.Redis))

    g.GET("/oauth/authorize", h.Authorize)
    g.GET("/oauth/callback", h.Callback)

    user := []echo.MiddlewareFunc{middleware.SessionAuth(opts.SessionSecret), middleware.RequireUser()}
    g.POST("/oauth/refresh", h.Refresh, user...)
    g.GET("/status", h.Status, user...)
    g.POST("/company/select", h.SelectCompany, user...)
    g.POST("/disconnect", h.Disconnect, user...)
    g.GET("/companies/local", h.LocalCompanies, user...)
    g.GET("/projects/:project_id/documents/:document_id/download", h.DocumentDownload, user...)
    g.GET("/drawings/:drawing_id/file", h.DrawingFile, user...)

    cached := append(user, middleware.NewResponseCache(opts.Cache, opts.Redis, h.CacheScope))
    g.GET("/me", h.Me, cached...)
    g.GET("/companies", h.Companies, cached...)
    g.GET("/projects", h.Projects, cached...)
    g.GET("/projects/:project_id", h.Project, cached...)
    g.GET("/projects/:project_id/team", h.ProjectTeam, cached...)
    g.GET("/projects/:project_id/submittals", h.Submittals, cached...)
    g.GET("/projects/:project_id/rfis", h.RFIs, cached...)
    g.GET("/projects/:project_id/inspections", h.Inspections, cached...)
}
