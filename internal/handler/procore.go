package handler

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "go.uber.org/zap"

    "github.com/iliyamo/procore-qc/internal/apperror"
    "github.com/iliyamo/procore-qc/internal/config"
    "github.com/iliyamo/procore-qc/internal/logger"
    "github.com/iliyamo/procore-qc/internal/middleware"
    "github.com/iliyamo/procore-qc/internal/model"
    "github.com/iliyamo/procore-qc/internal/repository"
    "github.com/iliyamo/procore-qc/internal/service"
    "github.com/iliyamo/procore-qc/internal/utils"
)

// OAuthFlow is the token manager surface used by the HTTP layer.
type OAuthFlow interface {
    GenerateState() (string, error)
    AuthorizationURL(state string) string
    ExchangeCode(ctx context.Context, code string) (*model.TokenPayload, error)
    SyncUserInfo(ctx context.Context, payload *model.TokenPayload, opts ...service.SyncOption) (*model.SyncResult, error)
    RefreshToken(ctx context.Context, userID string) (*model.TokenPayload, error)
    ActiveConnection(ctx context.Context, userID string) (*model.Connection, error)
    Status(ctx context.Context, userID string) model.ConnectionStatus
    SelectCompany(ctx context.Context, userID string, companyID uint64) (*model.Connection, error)
    Disconnect(ctx context.Context, userID string, companyID *uint64, revoke bool) (repository.DeleteResult, error)
}

// ProcoreAPI is the subset of the API client exposed as proxy routes.
type ProcoreAPI interface {
    CurrentUser(ctx context.Context, userID string) (json.RawMessage, error)
    Companies(ctx context.Context, userID string) (json.RawMessage, error)
    Projects(ctx context.Context, userID, procoreCompanyID string) (json.RawMessage, error)
    Project(ctx context.Context, userID, projectID string) (json.RawMessage, error)
    ProjectUsers(ctx context.Context, userID, projectID string) (json.RawMessage, error)
    LocalCompanies(ctx context.Context, userID string) ([]model.Company, error)
    Submittals(ctx context.Context, userID, projectID string, extra url.Values) (json.RawMessage, error)
    RFIs(ctx context.Context, userID, projectID string, extra url.Values) (json.RawMessage, error)
    Inspections(ctx context.Context, userID, projectID string, extra url.Values) (json.RawMessage, error)
    DownloadDocument(ctx context.Context, userID, documentID, projectID string) ([]byte, error)
    DownloadDrawing(ctx context.Context, userID, drawingID string) ([]byte, error)
}

var (
    _ OAuthFlow  = (*service.OAuthManager)(nil)
    _ ProcoreAPI = (*service.APIClient)(nil)
)

// ProcoreHandler serves /api/procore.
type ProcoreHandler struct {
    OAuth  OAuthFlow
    API    ProcoreAPI
    States service.StateStore

    frontendURL   string
    sessionSecret string
    sessionTTLMin int
    secureCookie  bool
    log           *zap.Logger
}

func NewProcoreHandler(cfg config.Config, oauth OAuthFlow, api ProcoreAPI, states service.StateStore, log *zap.Logger) *ProcoreHandler {
    if oauth == nil || api == nil || states == nil {
        panic("nil dependency passed to NewProcoreHandler")
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &ProcoreHandler{
        OAuth:         oauth,
        API:           api,
        States:        states,
        frontendURL:   cfg.FrontendURL,
        sessionSecret: cfg.SessionJWTSecret,
        sessionTTLMin: cfg.SessionTTLMin,
        secureCookie:  cfg.Env == "production" || cfg.Env == "prod",
        log:           log,
    }
}

// Authorize starts the OAuth flow: it remembers a fresh state value (and
// the optional preferred company) and redirects to Procore.
func (h *ProcoreHandler) Authorize(c echo.Context) error {
    state, err := h.OAuth.GenerateState()
    if err != nil {
        return apperror.Internal(fmt.Errorf("generate oauth state: %w", err))
    }
    st := service.OAuthState{
        PreferredCompanyID: strings.TrimSpace(c.QueryParam("company_id")),
        CreatedAt:          time.Now().UTC(),
    }
    if err := h.States.Save(c.Request().Context(), state, st); err != nil {
        return apperror.Internal(fmt.Errorf("save oauth state: %w", err))
    }
    return c.Redirect(http.StatusTemporaryRedirect, h.OAuth.AuthorizationURL(state))
}

// Callback completes the OAuth flow and sends the browser back to the
// frontend settings page.
func (h *ProcoreHandler) Callback(c echo.Context) error {
    ctx := c.Request().Context()
    code := c.QueryParam("code")
    state := c.QueryParam("state")

    var st service.OAuthState
    ok := false
    if state != "" {
        var err error
        st, ok, err = h.States.Consume(ctx, state)
        if err != nil {
            return apperror.Internal(fmt.Errorf("consume oauth state: %w", err))
        }
    }
    if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
        return apperror.OAuthError("Procore authorization was not granted", map[string]any{
            "error":             upstreamErr,
            "error_description": c.QueryParam("error_description"),
        })
    }
    if state == "" || !ok {
        return apperror.OAuthError("Invalid or expired OAuth state", nil)
    }
    if code == "" {
        return apperror.Validation("code is required", nil)
    }

    payload, err := h.OAuth.ExchangeCode(ctx, code)
    if err != nil {
        return err
    }
    var opts []service.SyncOption
    if st.PreferredCompanyID != "" {
        opts = append(opts, service.WithPreferredCompany(st.PreferredCompanyID))
    }
    res, err := h.OAuth.SyncUserInfo(ctx, payload, opts...)
    if err != nil {
        return err
    }

    q := url.Values{
        "procore_connected": {"true"},
        "user_id":           {res.ProcoreUserID},
        "company_id":        {strconv.FormatUint(res.ActiveCompanyID, 10)},
    }
    if h.sessionSecret != "" {
        tok, err := utils.NewSessionToken(h.sessionSecret, res.ProcoreUserID, h.sessionTTLMin)
        if err != nil {
            return apperror.Internal(fmt.Errorf("sign session: %w", err))
        }
        c.SetCookie(middleware.SessionCookie(tok.Token, h.sessionTTLMin*60, h.secureCookie))
    }
    logger.FromContext(ctx, h.log).Info("procore oauth callback completed",
        zap.String("procore_user_id", res.ProcoreUserID),
        zap.Uint64("company_id", res.ActiveCompanyID),
        zap.Int("companies", len(res.CompanyIDs)))
    return c.Redirect(http.StatusFound, h.frontendURL+"/settings?"+q.Encode())
}

// Refresh forces a refresh of the active connection.
func (h *ProcoreHandler) Refresh(c echo.Context) error {
    payload, err := h.OAuth.RefreshToken(c.Request().Context(), middleware.UserID(c))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, echo.Map{"success": true, "expires_at": payload.ExpiresAt})
}

// Status never fails on refresh errors; they are reported in the body.
func (h *ProcoreHandler) Status(c echo.Context) error {
    return c.JSON(http.StatusOK, h.OAuth.Status(c.Request().Context(), middleware.UserID(c)))
}

func (h *ProcoreHandler) SelectCompany(c echo.Context) error {
    companyID, err := parseCompanyID(c.QueryParam("company_id"))
    if err != nil {
        return err
    }
    if companyID == nil {
        return apperror.Validation("company_id is required", nil)
    }
    conn, err := h.OAuth.SelectCompany(c.Request().Context(), middleware.UserID(c), *companyID)
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, echo.Map{"success": true, "active_company_id": conn.CompanyID})
}

// Disconnect deletes the given (or active) connection.  mode=revoke keeps
// the row as revoked instead.
func (h *ProcoreHandler) Disconnect(c echo.Context) error {
    companyID, err := parseCompanyID(c.QueryParam("company_id"))
    if err != nil {
        return err
    }
    mode := strings.ToLower(strings.TrimSpace(c.QueryParam("mode")))
    if mode != "" && mode != "delete" && mode != "revoke" {
        return apperror.Validation("mode must be delete or revoke", map[string]any{"mode": mode})
    }
    res, err := h.OAuth.Disconnect(c.Request().Context(), middleware.UserID(c), companyID, mode == "revoke")
    if err != nil {
        return err
    }
    body := echo.Map{"success": true, "was_active": res.WasActive, "active_company_id": nil}
    if res.Replacement != nil {
        body["active_company_id"] = res.Replacement.CompanyID
    }
    return c.JSON(http.StatusOK, body)
}

func (h *ProcoreHandler) Me(c echo.Context) error {
    raw, err := h.API.CurrentUser(c.Request().Context(), middleware.UserID(c))
    return writeRaw(c, raw, err)
}

func (h *ProcoreHandler) Companies(c echo.Context) error {
    raw, err := h.API.Companies(c.Request().Context(), middleware.UserID(c))
    return writeRaw(c, raw, err)
}

// LocalCompanies maps the companies the user can access upstream to local
// rows.
func (h *ProcoreHandler) LocalCompanies(c echo.Context) error {
    list, err := h.API.LocalCompanies(c.Request().Context(), middleware.UserID(c))
    if err != nil {
        return err
    }
    if list == nil {
        list = []model.Company{}
    }
    return c.JSON(http.StatusOK, list)
}

// Projects takes an optional Procore company_id; without it the active
// company is used.
func (h *ProcoreHandler) Projects(c echo.Context) error {
    raw, err := h.API.Projects(c.Request().Context(), middleware.UserID(c), strings.TrimSpace(c.QueryParam("company_id")))
    return writeRaw(c, raw, err)
}

func (h *ProcoreHandler) Project(c echo.Context) error {
    raw, err := h.API.Project(c.Request().Context(), middleware.UserID(c), c.Param("project_id"))
    return writeRaw(c, raw, err)
}

func (h *ProcoreHandler) ProjectTeam(c echo.Context) error {
    raw, err := h.API.ProjectUsers(c.Request().Context(), middleware.UserID(c), c.Param("project_id"))
    return writeRaw(c, raw, err)
}

// Submittals, RFIs and Inspections forward any extra query parameters
// (paging, filters) to Procore.
func (h *ProcoreHandler) Submittals(c echo.Context) error {
    raw, err := h.API.Submittals(c.Request().Context(), middleware.UserID(c), c.Param("project_id"), forwardedParams(c))
    return writeRaw(c, raw, err)
}

func (h *ProcoreHandler) RFIs(c echo.Context) error {
    raw, err := h.API.RFIs(c.Request().Context(), middleware.UserID(c), c.Param("project_id"), forwardedParams(c))
    return writeRaw(c, raw, err)
}

func (h *ProcoreHandler) Inspections(c echo.Context) error {
    raw, err := h.API.Inspections(c.Request().Context(), middleware.UserID(c), c.Param("project_id"), forwardedParams(c))
    return writeRaw(c, raw, err)
}

func (h *ProcoreHandler) DocumentDownload(c echo.Context) error {
    data, err := h.API.DownloadDocument(c.Request().Context(), middleware.UserID(c), c.Param("document_id"), c.Param("project_id"))
    return writeFile(c, data, err)
}

func (h *ProcoreHandler) DrawingFile(c echo.Context) error {
    data, err := h.API.DownloadDrawing(c.Request().Context(), middleware.UserID(c), c.Param("drawing_id"))
    return writeFile(c, data, err)
}

// CacheScope keys cached proxy responses by the user's active connection
// and company.  A user without one gets NotConnected before any cached
// payload is considered.
func (h *ProcoreHandler) CacheScope(c echo.Context) (string, error) {
    conn, err := h.OAuth.ActiveConnection(c.Request().Context(), middleware.UserID(c))
    if err != nil {
        return "", err
    }
    return "conn:" + strconv.FormatUint(conn.ID, 10) + ":company:" + strconv.FormatUint(conn.CompanyID, 10), nil
}

// forwardedParams drops the parameters consumed by this service.
func forwardedParams(c echo.Context) url.Values {
    extra := url.Values{}
    for k, vs := range c.QueryParams() {
        if k == "user_id" || k == "project_id" {
            continue
        }
        extra[k] = vs
    }
    return extra
}

func writeFile(c echo.Context, data []byte, err error) error {
    if err != nil {
        return err
    }
    return c.Blob(http.StatusOK, http.DetectContentType(data), data)
}

func writeRaw(c echo.Context, raw json.RawMessage, err error) error {
    if err != nil {
        return err
    }
    if len(raw) == 0 {
        return c.NoContent(http.StatusNoContent)
    }
    return c.JSONBlob(http.StatusOK, raw)
}

// parseCompanyID reads an optional local company id.
func parseCompanyID(v string) (*uint64, error) {
    v = strings.TrimSpace(v)
    if v == "" {
        return nil, nil
    }
    n, err := strconv.ParseUint(v, 10, 64)
    if err != nil || n == 0 {
        return nil, apperror.Validation("company_id must be a positive integer", map[string]any{"company_id": v})
    }
    return &n, nil
}
