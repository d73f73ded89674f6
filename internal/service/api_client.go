package service

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/iliyamo/procore-qc/internal/apperror"
    "github.com/iliyamo/procore-qc/internal/model"
    "github.com/iliyamo/procore-qc/internal/repository"
)

// TokenProvider yields a connection whose access token is usable now.
type TokenProvider interface {
    ValidConnection(ctx context.Context, userID string) (*model.Connection, error)
}

// CompanyLookup resolves local company rows.
type CompanyLookup interface {
    GetByID(ctx context.Context, id uint64) (*model.Company, error)
    ListByProcoreIDs(ctx context.Context, procoreIDs []string) ([]model.Company, error)
}

// APIClient calls the Procore REST API on behalf of a user.  Every call
// resolves a valid connection first, refreshing the token inline when it
// is about to expire.  There are no retries.
type APIClient struct {
    tokens          TokenProvider
    companies       CompanyLookup
    api             *upstream
    downloadTimeout time.Duration
}

// APIClientConfig configures NewAPIClient.
type APIClientConfig struct {
    BaseURL         string
    Timeout         time.Duration
    DownloadTimeout time.Duration
    HTTPClient      *http.Client
}

// NewAPIClient returns an APIClient.
func NewAPIClient(cfg APIClientConfig, tokens TokenProvider, companies CompanyLookup) *APIClient {
    client := cfg.HTTPClient
    if client == nil {
        client = &http.Client{}
    }
    timeout := cfg.Timeout
    if timeout <= 0 {
        timeout = 30 * time.Second
    }
    dl := cfg.DownloadTimeout
    if dl <= 0 {
        dl = 60 * time.Second
    }
    return &APIClient{
        tokens:          tokens,
        companies:       companies,
        api:             &upstream{baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: client, timeout: timeout},
        downloadTimeout: dl,
    }
}

// RequestOption adjusts a single API call.
type RequestOption func(*upstreamRequest)

// WithCompanyID overrides the Procore-Company-Id header, which otherwise
// comes from the active connection's company.
func WithCompanyID(procoreCompanyID string) RequestOption {
    return func(r *upstreamRequest) { r.companyID = procoreCompanyID }
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) RequestOption {
    return func(r *upstreamRequest) { r.timeout = d }
}

func (c *APIClient) prepare(ctx context.Context, userID string, req *upstreamRequest, opts []RequestOption) error {
    conn, err := c.tokens.ValidConnection(ctx, userID)
    if err != nil {
        return err
    }
    req.accessToken = conn.AccessToken
    for _, opt := range opts {
        opt(req)
    }
    if req.companyID != "" {
        return nil
    }
    company, err := c.companies.GetByID(ctx, conn.CompanyID)
    if errors.Is(err, repository.ErrCompanyNotFound) {
        return apperror.NotConnected(map[string]any{"user_id": userID, "company_id": conn.CompanyID})
    }
    if err != nil {
        return fmt.Errorf("resolve company: %w", err)
    }
    req.companyID = company.ProcoreCompanyID
    return nil
}

// Do performs an authenticated request and returns the raw JSON body.  An
// empty 2xx body yields nil.
func (c *APIClient) Do(ctx context.Context, userID, method, path string, params url.Values, body any, opts ...RequestOption) (json.RawMessage, error) {
    req := upstreamRequest{method: method, path: path, params: params, body: body}
    if err := c.prepare(ctx, userID, &req, opts); err != nil {
        return nil, err
    }
    payload, err := c.api.do(ctx, req)
    if err != nil {
        return nil, err
    }
    if len(payload) == 0 {
        return nil, nil
    }
    if !json.Valid(payload) {
        return nil, apperror.ExternalService("Malformed Procore response",
            map[string]any{"upstream": "procore_api", "path": path})
    }
    return json.RawMessage(payload), nil
}

// Get is Do with GET and no body.
func (c *APIClient) Get(ctx context.Context, userID, path string, params url.Values, opts ...RequestOption) (json.RawMessage, error) {
    return c.Do(ctx, userID, http.MethodGet, path, params, nil, opts...)
}

// CurrentUser returns GET /rest/v1.0/me.
func (c *APIClient) CurrentUser(ctx context.Context, userID string) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/me", nil)
}

// Companies returns GET /rest/v1.0/companies.
func (c *APIClient) Companies(ctx context.Context, userID string) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/companies", nil)
}

// LocalCompanies fetches the companies the user can access upstream and
// returns the matching local rows, so callers get internal ids usable with
// SelectCompany.
func (c *APIClient) LocalCompanies(ctx context.Context, userID string) ([]model.Company, error) {
    raw, err := c.Companies(ctx, userID)
    if err != nil {
        return nil, err
    }
    var upstream []procoreCompany
    if len(raw) > 0 {
        if err := json.Unmarshal(raw, &upstream); err != nil {
            return nil, apperror.ExternalService("Malformed Procore companies response",
                map[string]any{"upstream": "procore_api"}).WithCause(err)
        }
    }
    ids := make([]string, 0, len(upstream))
    for _, uc := range upstream {
        if uc.ID != "" {
            ids = append(ids, string(uc.ID))
        }
    }
    if len(ids) == 0 {
        return []model.Company{}, nil
    }
    rows, err := c.companies.ListByProcoreIDs(ctx, ids)
    if err != nil {
        return nil, fmt.Errorf("map local companies: %w", err)
    }
    return rows, nil
}

// Projects lists projects.  A non-empty procoreCompanyID scopes the call
// to that company; otherwise the active company header applies.
func (c *APIClient) Projects(ctx context.Context, userID, procoreCompanyID string) (json.RawMessage, error) {
    if procoreCompanyID == "" {
        return c.Get(ctx, userID, "/rest/v1.0/projects", nil)
    }
    return c.Get(ctx, userID, "/rest/v1.0/projects", url.Values{"company_id": {procoreCompanyID}}, WithCompanyID(procoreCompanyID))
}

// Project returns a single project.
func (c *APIClient) Project(ctx context.Context, userID, projectID string) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/projects/"+url.PathEscape(projectID), nil)
}

// ProjectUsers returns the project directory.
func (c *APIClient) ProjectUsers(ctx context.Context, userID, projectID string) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/projects/"+url.PathEscape(projectID)+"/users", nil)
}

func projectParams(projectID string, extra url.Values) url.Values {
    params := url.Values{"project_id": {projectID}}
    for k, vs := range extra {
        if k == "project_id" {
            continue
        }
        params[k] = append([]string(nil), vs...)
    }
    return params
}

// Submittals lists the submittals of a project.  extra is merged into the
// query string.
func (c *APIClient) Submittals(ctx context.Context, userID, projectID string, extra url.Values) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/submittals", projectParams(projectID, extra))
}

// RFIs lists the RFIs of a project.
func (c *APIClient) RFIs(ctx context.Context, userID, projectID string, extra url.Values) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/rfis", projectParams(projectID, extra))
}

// Inspections lists the inspections of a project.
func (c *APIClient) Inspections(ctx context.Context, userID, projectID string, extra url.Values) (json.RawMessage, error) {
    return c.Get(ctx, userID, "/rest/v1.0/inspections", projectParams(projectID, extra))
}

// Download fetches a file (path or absolute URL) with the longer download
// deadline and returns its bytes unparsed.
func (c *APIClient) Download(ctx context.Context, userID, fileURL string, params url.Values, opts ...RequestOption) ([]byte, error) {
    req := upstreamRequest{method: http.MethodGet, path: fileURL, params: params, timeout: c.downloadTimeout}
    if err := c.prepare(ctx, userID, &req, opts); err != nil {
        return nil, err
    }
    return c.api.do(ctx, req)
}

// DownloadDocument fetches a project document's file.
func (c *APIClient) DownloadDocument(ctx context.Context, userID, documentID, projectID string) ([]byte, error) {
    return c.Download(ctx, userID, "/rest/v1.0/documents/"+url.PathEscape(documentID)+"/download",
        url.Values{"project_id": {projectID}})
}

// DownloadDrawing fetches a drawing's file.
func (c *APIClient) DownloadDrawing(ctx context.Context, userID, drawingID string) ([]byte, error) {
    return c.Download(ctx, userID, "/rest/v1.0/drawings/"+url.PathEscape(drawingID)+"/file", nil)
}
