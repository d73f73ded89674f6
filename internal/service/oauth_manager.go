package service

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/metric"
    "go.uber.org/zap"
    "golang.org/x/oauth2"

    "github.com/iliyamo/procore-qc/internal/apperror"
    "github.com/iliyamo/procore-qc/internal/logger"
    "github.com/iliyamo/procore-qc/internal/model"
    "github.com/iliyamo/procore-qc/internal/queue"
    "github.com/iliyamo/procore-qc/internal/repository"
    "github.com/iliyamo/procore-qc/internal/utils"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// ConnectionStore is the subset of repository.ConnectionRepo the manager uses.
type ConnectionStore interface {
    GetActiveConnection(ctx context.Context, procoreUserID string) (*model.Connection, error)
    ListConnections(ctx context.Context, procoreUserID string) ([]model.Connection, error)
    SetActiveCompany(ctx context.Context, procoreUserID string, companyID uint64) (*model.Connection, error)
    UpsertConnection(ctx context.Context, in repository.UpsertConnectionInput) (*model.Connection, error)
    DeleteConnection(ctx context.Context, procoreUserID string, companyID uint64) (repository.DeleteResult, error)
    RevokeConnection(ctx context.Context, procoreUserID string, companyID uint64) (repository.DeleteResult, error)
}

// CompanyStore is the subset of repository.CompanyRepo the manager uses.
type CompanyStore interface {
    GetByID(ctx context.Context, id uint64) (*model.Company, error)
    EnsureCompanies(ctx context.Context, upstream []model.UpstreamCompany) ([]model.Company, error)
}

var (
    _ ConnectionStore = (*repository.ConnectionRepo)(nil)
    _ CompanyStore    = (*repository.CompanyRepo)(nil)
)

// OAuthConfig holds the Procore OAuth client settings.
type OAuthConfig struct {
    ClientID     string
    ClientSecret string
    RedirectURI  string
    AuthURL      string
    TokenURL     string
    APIBaseURL   string
    Scopes       []string
    Timeout      time.Duration
}

// ManagerDeps are the collaborators of an OAuthManager.  Locker, Events,
// HTTPClient and Log are optional.
type ManagerDeps struct {
    Connections ConnectionStore
    Companies   CompanyStore
    Locker      RefreshLocker
    Events      EventPublisher
    HTTPClient  *http.Client
    Log         *zap.Logger
}

// OAuthManager owns the Procore token lifecycle: authorization URLs, code
// exchange, user sync, refresh and the lazy expiry check used before every
// API call.
type OAuthManager struct {
    oauth     *oauth2.Config
    api       *upstream
    timeout   time.Duration
    conns     ConnectionStore
    companies CompanyStore
    locker    RefreshLocker
    events    EventPublisher
    log       *zap.Logger
    now       func() time.Time
}

// NewOAuthManager wires an OAuthManager.
func NewOAuthManager(cfg OAuthConfig, deps ManagerDeps) *OAuthManager {
    client := deps.HTTPClient
    if client == nil {
        client = &http.Client{}
    }
    timeout := cfg.Timeout
    if timeout <= 0 {
        timeout = 30 * time.Second
    }
    scopes := cfg.Scopes
    if len(scopes) == 0 {
        scopes = []string{"read", "write"}
    }
    m := &OAuthManager{
        oauth: &oauth2.Config{
            ClientID:     cfg.ClientID,
            ClientSecret: cfg.ClientSecret,
            RedirectURL:  cfg.RedirectURI,
            Scopes:       scopes,
            Endpoint: oauth2.Endpoint{
                AuthURL:   cfg.AuthURL,
                TokenURL:  cfg.TokenURL,
                AuthStyle: oauth2.AuthStyleInParams,
            },
        },
        api:       &upstream{baseURL: cfg.APIBaseURL, client: client, timeout: timeout},
        timeout:   timeout,
        conns:     deps.Connections,
        companies: deps.Companies,
        locker:    deps.Locker,
        events:    deps.Events,
        log:       deps.Log,
        now:       func() time.Time { return time.Now().UTC() },
    }
    if m.locker == nil {
        m.locker = NewLocalLocker(10 * time.Second)
    }
    if m.events == nil {
        m.events = NopPublisher{}
    }
    if m.log == nil {
        m.log = zap.NewNop()
    }
    return m
}

// GenerateState returns 32 random bytes as URL-safe base64.
func (m *OAuthManager) GenerateState() (string, error) {
    return utils.RandomURLToken(32)
}

// AuthorizationURL returns the Procore authorize URL for state.  The
// result is deterministic for a given state.
func (m *OAuthManager) AuthorizationURL(state string) string {
    return m.oauth.AuthCodeURL(state)
}

// ConnectionState exposes the lifecycle label of conn at the current time.
// A usable connection whose refresh lock is currently held by another
// request reports REFRESHING.
func (m *OAuthManager) ConnectionState(ctx context.Context, conn *model.Connection) model.ConnectionState {
    state := model.StateOf(conn, m.now())
    if (state == model.StateConnected || state == model.StateExpiringSoon) && m.locker.Held(ctx, conn.ProcoreUserID) {
        return model.StateRefreshing
    }
    return state
}

func (m *OAuthManager) tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithTimeout(ctx, m.timeout)
    return context.WithValue(ctx, oauth2.HTTPClient, m.api.client), cancel
}

type grantKind int

const (
    grantExchange grantKind = iota
    grantRefresh
)

// mapTokenError converts an x/oauth2 failure into the typed error of the
// grant.  Only a *oauth2.RetrieveError carries an upstream status; every
// other failure (network, timeout, malformed body) is an upstream outage.
func mapTokenError(err error, kind grantKind) error {
    var re *oauth2.RetrieveError
    if !errors.As(err, &re) || re.Response == nil {
        msg := "Failed to reach Procore OAuth"
        var details = map[string]any{"upstream": "procore_oauth"}
        if errors.As(err, &re) {
            msg = "Malformed Procore OAuth response"
        } else if isTimeout(err) {
            details["timeout"] = true
        }
        return apperror.ExternalService(msg, details).WithCause(err)
    }
    status := re.Response.StatusCode
    details := map[string]any{"upstream": "procore_oauth", "upstream_status": status}
    if re.ErrorCode != "" {
        details["oauth_error"] = re.ErrorCode
    }
    switch kind {
    case grantExchange:
        switch status {
        case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
            return apperror.OAuthError("", details).WithCause(err)
        }
        return apperror.ExternalService("Procore OAuth token exchange failed", details).WithCause(err)
    default:
        switch status {
        case http.StatusUnauthorized, http.StatusForbidden:
            return apperror.AuthExpired(details).WithCause(err)
        case http.StatusBadRequest:
            return apperror.OAuthError("Procore refresh token invalid", details).WithCause(err)
        }
        return apperror.ExternalService("Procore token refresh failed", details).WithCause(err)
    }
}

func (m *OAuthManager) payloadFrom(tok *oauth2.Token) *model.TokenPayload {
    p := &model.TokenPayload{
        AccessToken:  tok.AccessToken,
        RefreshToken: tok.RefreshToken,
        ExpiresAt:    tok.Expiry.UTC(),
        TokenType:    tok.TokenType,
    }
    if p.ExpiresAt.IsZero() {
        p.ExpiresAt = m.now().Add(defaultTokenLifetime)
    }
    if s, ok := tok.Extra("scope").(string); ok {
        p.Scope = s
    }
    return p
}

// ExchangeCode trades an authorization code for tokens.  Nothing is
// persisted and the request is never retried.
func (m *OAuthManager) ExchangeCode(ctx context.Context, code string) (*model.TokenPayload, error) {
    if code == "" {
        return nil, apperror.OAuthError("Missing authorization code", nil)
    }
    tctx, cancel := m.tokenContext(ctx)
    defer cancel()

    tok, err := m.oauth.Exchange(tctx, code)
    if err != nil {
        return nil, mapTokenError(err, grantExchange)
    }
    p := m.payloadFrom(tok)
    if p.TokenType == "" {
        p.TokenType = "Bearer"
    }
    if p.RefreshToken == "" {
        return nil, apperror.ExternalService("Procore OAuth response without refresh token",
            map[string]any{"upstream": "procore_oauth"})
    }
    return p, nil
}

// SyncOption customizes SyncUserInfo.
type SyncOption func(*syncOptions)

type syncOptions struct {
    preferredCompany string
}

// WithPreferredCompany activates the given Procore company instead of the
// first listed one, when the user belongs to it.
func WithPreferredCompany(procoreCompanyID string) SyncOption {
    return func(o *syncOptions) { o.preferredCompany = procoreCompanyID }
}

type procoreUser struct {
    ID    flexID `json:"id"`
    Login string `json:"login"`
    Email string `json:"email"`
    Name  string `json:"name"`
}

type procoreCompany struct {
    ID   flexID `json:"id"`
    Name string `json:"name"`
}

type procoreProject struct {
    ID flexID `json:"id"`
}

// SyncUserInfo reads the user's identity, companies and (best effort)
// projects with a freshly exchanged token, ensures the companies exist
// locally and stores the token as the user's active connection.
func (m *OAuthManager) SyncUserInfo(ctx context.Context, payload *model.TokenPayload, opts ...SyncOption) (*model.SyncResult, error) {
    var o syncOptions
    for _, opt := range opts {
        opt(&o)
    }
    log := logger.FromContext(ctx, m.log)

    var me procoreUser
    if err := m.api.getJSON(ctx, upstreamRequest{path: "/rest/v1.0/me", accessToken: payload.AccessToken}, &me); err != nil {
        return nil, err
    }
    if me.ID == "" {
        return nil, apperror.ExternalService("Procore user without id", map[string]any{"upstream": "procore_api"})
    }
    userID := string(me.ID)

    var upstreamCompanies []procoreCompany
    if err := m.api.getJSON(ctx, upstreamRequest{path: "/rest/v1.0/companies", accessToken: payload.AccessToken}, &upstreamCompanies); err != nil {
        return nil, err
    }
    if len(upstreamCompanies) == 0 {
        return nil, apperror.OAuthError("No Procore companies found", map[string]any{"procore_user_id": userID})
    }

    toEnsure := make([]model.UpstreamCompany, 0, len(upstreamCompanies))
    companyIDs := make([]string, 0, len(upstreamCompanies))
    for _, c := range upstreamCompanies {
        toEnsure = append(toEnsure, model.UpstreamCompany{ProcoreCompanyID: string(c.ID), Name: c.Name})
        companyIDs = append(companyIDs, string(c.ID))
    }
    companies, err := m.companies.EnsureCompanies(ctx, toEnsure)
    if err != nil {
        return nil, fmt.Errorf("ensure companies: %w", err)
    }
    if len(companies) == 0 {
        return nil, apperror.OAuthError("No Procore companies found", map[string]any{"procore_user_id": userID})
    }

    chosen := companies[0]
    if o.preferredCompany != "" {
        for _, c := range companies {
            if c.ProcoreCompanyID == o.preferredCompany {
                chosen = c
                break
            }
        }
    }

    // Projects are informational; any failure leaves the list empty.
    projectIDs := []string{}
    var projects []procoreProject
    err = m.api.getJSON(ctx, upstreamRequest{
        path:        "/rest/v1.0/projects",
        params:      map[string][]string{"company_id": {chosen.ProcoreCompanyID}},
        accessToken: payload.AccessToken,
        companyID:   chosen.ProcoreCompanyID,
    }, &projects)
    if err != nil {
        log.Info("procore sync: projects unavailable", zap.String("procore_user_id", userID), zap.Error(err))
    } else {
        for _, p := range projects {
            projectIDs = append(projectIDs, string(p.ID))
        }
    }

    conn, err := m.conns.UpsertConnection(ctx, repository.UpsertConnectionInput{
        CompanyID:     chosen.ID,
        ProcoreUserID: userID,
        AccessToken:   payload.AccessToken,
        RefreshToken:  payload.RefreshToken,
        ExpiresAt:     payload.ExpiresAt,
        TokenType:     payload.TokenType,
        Scope:         payload.Scope,
        MakeActive:    true,
    })
    if err != nil {
        return nil, fmt.Errorf("store connection: %w", err)
    }

    email := me.Email
    if email == "" {
        email = me.Login
    }
    m.publish(ctx, queue.NewConnectionEvent(queue.EventConnected, userID, conn.CompanyID), conn)
    log.Info("procore connected",
        zap.String("procore_user_id", userID),
        zap.Uint64("company_id", conn.CompanyID),
        zap.Int("companies", len(companies)))

    return &model.SyncResult{
        ProcoreUserID:   userID,
        Email:           email,
        Name:            me.Name,
        CompanyIDs:      companyIDs,
        ProjectIDs:      projectIDs,
        ActiveCompanyID: conn.CompanyID,
        SyncedAt:        m.now(),
    }, nil
}

// RefreshToken runs the refresh grant for the user's active connection and
// stores the result in the same row.  A failed grant leaves the row as it
// was.  It never creates a connection.
func (m *OAuthManager) RefreshToken(ctx context.Context, userID string) (*model.TokenPayload, error) {
    unlock, err := m.lock(ctx, userID)
    if err != nil {
        return nil, err
    }
    defer unlock()

    conn, err := m.activeConnection(ctx, userID)
    if err != nil {
        return nil, err
    }
    _, payload, err := m.refreshLocked(ctx, conn)
    return payload, err
}

// ValidConnection returns the user's active connection, refreshing it
// first when it expires within model.RefreshWindow.  Concurrent callers
// wait on the per-user lock and reuse the token the winner stored.
func (m *OAuthManager) ValidConnection(ctx context.Context, userID string) (*model.Connection, error) {
    conn, err := m.activeConnection(ctx, userID)
    if err != nil {
        return nil, err
    }
    if !conn.NeedsRefresh(m.now()) {
        return conn, nil
    }
    return m.refreshIf(ctx, userID, func(c *model.Connection) bool { return c.NeedsRefresh(m.now()) })
}

// refreshIf takes the lock, re-reads the active row and refreshes only
// when need still holds for it.
func (m *OAuthManager) refreshIf(ctx context.Context, userID string, need func(*model.Connection) bool) (*model.Connection, error) {
    unlock, err := m.lock(ctx, userID)
    if err != nil {
        return nil, err
    }
    defer unlock()

    conn, err := m.activeConnection(ctx, userID)
    if err != nil {
        return nil, err
    }
    if !need(conn) {
        return conn, nil
    }
    updated, _, err := m.refreshLocked(ctx, conn)
    return updated, err
}

func (m *OAuthManager) lock(ctx context.Context, userID string) (func(), error) {
    unlock, err := m.locker.Lock(ctx, userID)
    if errors.Is(err, ErrLockTimeout) {
        return nil, apperror.ExternalService("Timed out waiting for Procore token refresh",
            map[string]any{"upstream": "procore_oauth"}).WithCause(err)
    }
    if err != nil {
        return nil, err
    }
    return unlock, nil
}

// ActiveConnection returns the user's active connection without refreshing
// it, or NotConnected.
func (m *OAuthManager) ActiveConnection(ctx context.Context, userID string) (*model.Connection, error) {
    return m.activeConnection(ctx, userID)
}

func (m *OAuthManager) activeConnection(ctx context.Context, userID string) (*model.Connection, error) {
    conn, err := m.conns.GetActiveConnection(ctx, userID)
    if errors.Is(err, repository.ErrConnectionNotFound) {
        return nil, apperror.NotConnected(map[string]any{"user_id": userID})
    }
    if err != nil {
        return nil, fmt.Errorf("load active connection: %w", err)
    }
    return conn, nil
}

// refreshLocked must be called with the user's refresh lock held.
func (m *OAuthManager) refreshLocked(ctx context.Context, conn *model.Connection) (*model.Connection, *model.TokenPayload, error) {
    log := logger.FromContext(ctx, m.log)
    tctx, cancel := m.tokenContext(ctx)
    defer cancel()

    tok, err := m.oauth.TokenSource(tctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
    if err != nil {
        mapped := mapTokenError(err, grantRefresh)
        code := "error"
        if ae, ok := apperror.As(mapped); ok {
            code = string(ae.Code)
        }
        tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", code)))
        log.Warn("procore token refresh failed",
            zap.String("procore_user_id", conn.ProcoreUserID),
            zap.Uint64("company_id", conn.CompanyID),
            zap.String("code", code))
        return nil, nil, mapped
    }

    p := m.payloadFrom(tok)
    if p.RefreshToken == "" {
        p.RefreshToken = conn.RefreshToken
    }
    if p.TokenType == "" {
        p.TokenType = conn.TokenType
    }
    if p.Scope == "" {
        p.Scope = conn.Scope
    }

    updated, err := m.conns.UpsertConnection(ctx, repository.UpsertConnectionInput{
        CompanyID:     conn.CompanyID,
        ProcoreUserID: conn.ProcoreUserID,
        AccessToken:   p.AccessToken,
        RefreshToken:  p.RefreshToken,
        ExpiresAt:     p.ExpiresAt,
        TokenType:     p.TokenType,
        Scope:         p.Scope,
        MakeActive:    true,
    })
    if err != nil {
        return nil, nil, fmt.Errorf("store refreshed token: %w", err)
    }
    tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
    log.Info("procore token refreshed",
        zap.String("procore_user_id", conn.ProcoreUserID),
        zap.Uint64("company_id", conn.CompanyID),
        zap.Time("expires_at", p.ExpiresAt),
        zap.String("token", utils.TokenFingerprint(p.AccessToken)))
    m.publish(ctx, queue.NewConnectionEvent(queue.EventRefreshed, conn.ProcoreUserID, conn.CompanyID), updated)
    return updated, p, nil
}

// Status reports the health of the user's Procore link.  An expired token
// is refreshed inline; a failed refresh is reported in the body and never
// returned as an error.
func (m *OAuthManager) Status(ctx context.Context, userID string) model.ConnectionStatus {
    conn, err := m.activeConnection(ctx, userID)
    if err != nil {
        st := model.ConnectionStatus{State: model.StateNoConnection, SyncStatus: "idle"}
        msg := "Not connected to Procore"
        if !apperror.IsCode(err, apperror.CodeNotConnected) {
            st.SyncStatus = "error"
            msg = "Failed to load Procore connection"
            logger.FromContext(ctx, m.log).Error("procore status: load failed", zap.Error(err))
        } else if m.onlyRevoked(ctx, userID) {
            st.State = model.StateRevoked
        }
        st.ErrorMessage = &msg
        return st
    }

    if conn.Expired(m.now()) {
        refreshed, err := m.refreshIf(ctx, userID, func(c *model.Connection) bool { return c.Expired(m.now()) })
        if err != nil {
            msg := "Token expired and refresh failed: " + errorMessage(err)
            state := model.StateOf(conn, m.now())
            if apperror.IsCode(err, apperror.CodeAuthExpired) || apperror.IsCode(err, apperror.CodeOAuth) {
                state = model.StateAuthExpired
            }
            return model.ConnectionStatus{State: state, SyncStatus: "error", ErrorMessage: &msg}
        }
        conn = refreshed
    }

    updated := conn.UpdatedAt
    expires := conn.TokenExpiresAt
    active := conn.CompanyID
    return model.ConnectionStatus{
        Connected:       true,
        State:           m.ConnectionState(ctx, conn),
        SyncStatus:      "idle",
        LastSyncedAt:    &updated,
        ActiveCompanyID: &active,
        TokenExpiresAt:  &expires,
        Companies:       m.companyIDs(ctx, userID),
    }
}

func (m *OAuthManager) onlyRevoked(ctx context.Context, userID string) bool {
    list, err := m.conns.ListConnections(ctx, userID)
    if err != nil || len(list) == 0 {
        return false
    }
    for _, c := range list {
        if !c.Revoked() {
            return false
        }
    }
    return true
}

func (m *OAuthManager) companyIDs(ctx context.Context, userID string) []uint64 {
    list, err := m.conns.ListConnections(ctx, userID)
    if err != nil {
        return nil
    }
    ids := make([]uint64, 0, len(list))
    for _, c := range list {
        if !c.Revoked() {
            ids = append(ids, c.CompanyID)
        }
    }
    return ids
}

// SelectCompany switches the user's active connection to companyID.
func (m *OAuthManager) SelectCompany(ctx context.Context, userID string, companyID uint64) (*model.Connection, error) {
    conn, err := m.conns.SetActiveCompany(ctx, userID, companyID)
    if errors.Is(err, repository.ErrConnectionNotFound) || errors.Is(err, repository.ErrConnectionRevoked) {
        return nil, apperror.NotConnected(map[string]any{"user_id": userID, "company_id": companyID})
    }
    if err != nil {
        return nil, fmt.Errorf("select company: %w", err)
    }
    m.publish(ctx, queue.NewConnectionEvent(queue.EventCompanySelected, userID, companyID), conn)
    return conn, nil
}

// Disconnect removes the connection for companyID, or the active one when
// companyID is nil.  With revoke the row is soft deleted instead.  When the
// removed connection was active another one is promoted; the result says
// which.
func (m *OAuthManager) Disconnect(ctx context.Context, userID string, companyID *uint64, revoke bool) (repository.DeleteResult, error) {
    var target uint64
    if companyID != nil {
        target = *companyID
    } else {
        conn, err := m.activeConnection(ctx, userID)
        if err != nil {
            return repository.DeleteResult{}, err
        }
        target = conn.CompanyID
    }

    remove, evType := m.conns.DeleteConnection, queue.EventDisconnected
    if revoke {
        remove, evType = m.conns.RevokeConnection, queue.EventRevoked
    }
    res, err := remove(ctx, userID, target)
    if errors.Is(err, repository.ErrConnectionNotFound) || errors.Is(err, repository.ErrConnectionRevoked) {
        return repository.DeleteResult{}, apperror.NotConnected(map[string]any{"user_id": userID, "company_id": target})
    }
    if err != nil {
        return repository.DeleteResult{}, fmt.Errorf("disconnect: %w", err)
    }

    ev := queue.NewConnectionEvent(evType, userID, target)
    if res.Replacement != nil {
        ev.ReplacementCompany = res.Replacement.CompanyID
    }
    m.publish(ctx, ev, nil)
    logger.FromContext(ctx, m.log).Info("procore disconnected",
        zap.String("procore_user_id", userID),
        zap.Uint64("company_id", target),
        zap.Bool("revoked", revoke),
        zap.Bool("was_active", res.WasActive),
        zap.Bool("replaced", res.Replacement != nil))
    return res, nil
}

func (m *OAuthManager) publish(ctx context.Context, ev queue.ConnectionEvent, conn *model.Connection) {
    if conn != nil {
        ev.TokenExpiresAt = conn.TokenExpiresAt.UTC().Format(time.RFC3339)
    }
    if err := m.events.Publish(ctx, ev); err != nil {
        logger.FromContext(ctx, m.log).Warn("connection event not published",
            zap.String("event", string(ev.Type)), zap.Error(err))
    }
}

func errorMessage(err error) string {
    if ae, ok := apperror.As(err); ok {
        return ae.Message
    }
    return err.Error()
}

// flexID accepts Procore ids encoded as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
    s := string(b)
    if s == "null" {
        *f = ""
        return nil
    }
    if len(s) >= 2 && s[0] == '"' {
        uq, err := strconv.Unquote(s)
        if err != nil {
            return err
        }
        *f = flexID(uq)
        return nil
    }
    if _, err := strconv.ParseFloat(s, 64); err != nil {
        return fmt.Errorf("invalid id %s", s)
    }
    *f = flexID(s)
    return nil
}
