package service

import (
    "context"
    "net/http"
    "net/url"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/procore-qc/internal/apperror"
)

func newTestClient(env *testEnv) *APIClient {
    return NewAPIClient(APIClientConfig{
        BaseURL:    env.fp.srv.URL + "/",
        Timeout:    5 * time.Second,
        HTTPClient: env.fp.srv.Client(),
    }, env.manager, env.companies)
}

func TestDoSendsBearerAndCompanyHeader(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)
    client := newTestClient(env)

    body, err := client.RFIs(context.Background(), "u1", "77", url.Values{"per_page": {"50"}})
    require.NoError(t, err)
    assert.JSONEq(t, `[{"id":1,"subject":"Door hardware"}]`, string(body))

    env.fp.mu.Lock()
    defer env.fp.mu.Unlock()
    assert.Equal(t, "Bearer stored-access-9001", env.fp.lastAuth)
    assert.Equal(t, "9001", env.fp.lastCompany)
    q, err := url.ParseQuery(env.fp.lastQuery)
    require.NoError(t, err)
    assert.Equal(t, "77", q.Get("project_id"))
    assert.Equal(t, "50", q.Get("per_page"))
}

func TestWithCompanyIDOverridesHeader(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)
    client := newTestClient(env)

    _, err := client.Projects(context.Background(), "u1", "555")
    require.NoError(t, err)

    env.fp.mu.Lock()
    defer env.fp.mu.Unlock()
    assert.Equal(t, "555", env.fp.lastCompany)
    assert.Contains(t, env.fp.lastQuery, "company_id=555")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)
    env.fp.set(func(fp *fakeProcore) {
        fp.apiStatus = http.StatusTooManyRequests
        fp.retryAfter = "30"
    })
    client := newTestClient(env)

    _, err := client.CurrentUser(context.Background(), "u1")
    require.Error(t, err)
    assert.True(t, apperror.IsCode(err, apperror.CodeRateLimited))
    secs, ok := apperror.RetryAfter(err)
    require.True(t, ok)
    assert.Equal(t, 30, secs)
}

func TestRateLimitedWithoutUsableRetryAfter(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)
    env.fp.set(func(fp *fakeProcore) {
        fp.apiStatus = http.StatusTooManyRequests
        fp.retryAfter = "Wed, 21 Oct 2026 07:28:00 GMT"
    })
    client := newTestClient(env)

    _, err := client.CurrentUser(context.Background(), "u1")
    assert.True(t, apperror.IsCode(err, apperror.CodeRateLimited))
    _, ok := apperror.RetryAfter(err)
    assert.False(t, ok)
}

func TestUpstreamStatusMapping(t *testing.T) {
    cases := []struct {
        status int
        code   apperror.Code
    }{
        {http.StatusUnauthorized, apperror.CodeAuthExpired},
        {http.StatusForbidden, apperror.CodeAuthExpired},
        {http.StatusInternalServerError, apperror.CodeExternalService},
        {http.StatusServiceUnavailable, apperror.CodeExternalService},
        {http.StatusNotFound, apperror.CodeExternalService},
        {http.StatusUnprocessableEntity, apperror.CodeExternalService},
    }
    for _, tc := range cases {
        t.Run(http.StatusText(tc.status), func(t *testing.T) {
            env := newTestEnv(t)
            env.seedConnection("u1", "9001", time.Hour, true)
            env.fp.set(func(fp *fakeProcore) { fp.apiStatus = tc.status })

            _, err := newTestClient(env).Companies(context.Background(), "u1")
            e, ok := apperror.As(err)
            require.True(t, ok, "got %v", err)
            assert.Equal(t, tc.code, e.Code)
            assert.Equal(t, tc.status, e.Details["upstream_status"])
        })
    }
}

func TestRequestInsideRefreshWindowRefreshesOnce(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", 4*time.Minute, true)
    client := newTestClient(env)
    ctx := context.Background()

    _, err := client.CurrentUser(ctx, "u1")
    require.NoError(t, err)
    _, refreshes := env.fp.counts()
    assert.Equal(t, 1, refreshes)
    env.fp.mu.Lock()
    assert.Equal(t, "Bearer access-1", env.fp.lastAuth)
    env.fp.mu.Unlock()

    _, err = client.CurrentUser(ctx, "u1")
    require.NoError(t, err)
    _, refreshes = env.fp.counts()
    assert.Equal(t, 1, refreshes)
}

func TestRequestWellBeforeWindowDoesNotRefresh(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)

    _, err := newTestClient(env).CurrentUser(context.Background(), "u1")
    require.NoError(t, err)
    _, refreshes := env.fp.counts()
    assert.Zero(t, refreshes)
}

func TestDoWithoutConnection(t *testing.T) {
    env := newTestEnv(t)

    _, err := newTestClient(env).CurrentUser(context.Background(), "nobody")
    assert.True(t, apperror.IsCode(err, apperror.CodeNotConnected))
}

func TestDoWithMissingCompanyRow(t *testing.T) {
    env := newTestEnv(t)
    env.conns.seed(connectionFor("u1", 404, time.Hour))

    _, err := newTestClient(env).CurrentUser(context.Background(), "u1")
    assert.True(t, apperror.IsCode(err, apperror.CodeNotConnected))
}

func TestDoTimeoutIsExternal(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)
    env.fp.set(func(fp *fakeProcore) { fp.apiDelay = 500 * time.Millisecond })

    _, err := newTestClient(env).Get(context.Background(), "u1", "/rest/v1.0/me", nil, WithTimeout(50*time.Millisecond))
    e, ok := apperror.As(err)
    require.True(t, ok, "got %v", err)
    assert.Equal(t, apperror.CodeExternalService, e.Code)
    assert.Equal(t, true, e.Details["timeout"])
}

func TestDownloadDocumentReturnsBytes(t *testing.T) {
    env := newTestEnv(t)
    env.seedConnection("u1", "9001", time.Hour, true)

    data, err := newTestClient(env).DownloadDocument(context.Background(), "u1", "33", "77")
    require.NoError(t, err)
    assert.Equal(t, "%PDF-1.7", string(data))
    env.fp.mu.Lock()
    assert.Equal(t, "project_id=77", env.fp.lastQuery)
    env.fp.mu.Unlock()
}

func TestLocalCompaniesMapsUpstreamCompanies(t *testing.T) {
    env := newTestEnv(t)
    active := env.seedConnection("u1", "9001", time.Hour, true)
    second := env.companies.add("9002", "Second")
    env.companies.add("5555", "Not visible to u1")

    list, err := newTestClient(env).LocalCompanies(context.Background(), "u1")
    require.NoError(t, err)
    require.Len(t, list, 2)
    assert.Equal(t, active.CompanyID, list[0].ID)
    assert.Equal(t, second.ID, list[1].ID)
}

func TestLocalCompaniesRequiresConnection(t *testing.T) {
    env := newTestEnv(t)
    env.companies.add("9001", "Acme")

    _, err := newTestClient(env).LocalCompanies(context.Background(), "u1")
    assert.True(t, apperror.IsCode(err, apperror.CodeNotConnected))
}

func TestParseRetryAfter(t *testing.T) {
    assert.Equal(t, 30, parseRetryAfter("30"))
    assert.Equal(t, 0, parseRetryAfter(" 0 "))
    assert.Equal(t, -1, parseRetryAfter(""))
    assert.Equal(t, -1, parseRetryAfter("-5"))
    assert.Equal(t, -1, parseRetryAfter("soon"))
}
