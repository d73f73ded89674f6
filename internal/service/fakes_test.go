package service

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "sort"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/iliyamo/procore-qc/internal/model"
    "github.com/iliyamo/procore-qc/internal/queue"
    "github.com/iliyamo/procore-qc/internal/repository"
)

// memConnStore mirrors ConnectionRepo's semantics in memory.
type memConnStore struct {
    mu      sync.Mutex
    rows    []*model.Connection
    nextID  uint64
    clock   time.Time
    upserts int
}

func newMemConnStore() *memConnStore {
    return &memConnStore{clock: time.Now().UTC().Add(-time.Hour)}
}

func (s *memConnStore) tick() time.Time {
    s.clock = s.clock.Add(time.Millisecond)
    return s.clock
}

func clone(c *model.Connection) *model.Connection {
    cp := *c
    return &cp
}

func (s *memConnStore) find(companyID uint64, user string) *model.Connection {
    for _, r := range s.rows {
        if r.CompanyID == companyID && r.ProcoreUserID == user {
            return r
        }
    }
    return nil
}

// seed inserts a row directly.
func (s *memConnStore) seed(c model.Connection) *model.Connection {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.nextID++
    c.ID = s.nextID
    c.UpdatedAt = s.tick()
    c.CreatedAt = c.UpdatedAt
    if c.TokenType == "" {
        c.TokenType = "Bearer"
    }
    s.rows = append(s.rows, &c)
    return clone(&c)
}

func (s *memConnStore) GetActiveConnection(_ context.Context, user string) (*model.Connection, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    var best *model.Connection
    for _, r := range s.rows {
        if r.ProcoreUserID == user && r.IsActive && r.RevokedAt == nil {
            if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
                best = r
            }
        }
    }
    if best == nil {
        return nil, repository.ErrConnectionNotFound
    }
    return clone(best), nil
}

func (s *memConnStore) get(companyID uint64, user string) *model.Connection {
    s.mu.Lock()
    defer s.mu.Unlock()
    if r := s.find(companyID, user); r != nil {
        return clone(r)
    }
    return nil
}

func (s *memConnStore) count() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.rows)
}

func (s *memConnStore) ListConnections(_ context.Context, user string) ([]model.Connection, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := []model.Connection{}
    for _, r := range s.rows {
        if r.ProcoreUserID == user {
            out = append(out, *r)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
    return out, nil
}

func (s *memConnStore) setActiveLocked(user string, companyID uint64) (*model.Connection, error) {
    target := s.find(companyID, user)
    if target == nil {
        return nil, repository.ErrConnectionNotFound
    }
    if target.RevokedAt != nil {
        return nil, repository.ErrConnectionRevoked
    }
    now := s.tick()
    for _, r := range s.rows {
        if r.ProcoreUserID == user && r.IsActive && r != target {
            r.IsActive = false
            r.UpdatedAt = now
        }
    }
    target.IsActive = true
    target.UpdatedAt = now
    return target, nil
}

func (s *memConnStore) SetActiveCompany(_ context.Context, user string, companyID uint64) (*model.Connection, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    c, err := s.setActiveLocked(user, companyID)
    if err != nil {
        return nil, err
    }
    return clone(c), nil
}

func (s *memConnStore) UpsertConnection(_ context.Context, in repository.UpsertConnectionInput) (*model.Connection, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.upserts++
    row := s.find(in.CompanyID, in.ProcoreUserID)
    now := s.tick()
    if row == nil {
        s.nextID++
        row = &model.Connection{ID: s.nextID, CompanyID: in.CompanyID, ProcoreUserID: in.ProcoreUserID, CreatedAt: now}
        s.rows = append(s.rows, row)
    }
    row.AccessToken = in.AccessToken
    row.RefreshToken = in.RefreshToken
    row.TokenExpiresAt = in.ExpiresAt.UTC()
    row.TokenType = in.TokenType
    if row.TokenType == "" {
        row.TokenType = "Bearer"
    }
    row.Scope = in.Scope
    row.RevokedAt = nil
    row.UpdatedAt = now
    if in.MakeActive {
        if _, err := s.setActiveLocked(in.ProcoreUserID, in.CompanyID); err != nil {
            return nil, err
        }
    }
    return clone(row), nil
}

func (s *memConnStore) remove(user string, companyID uint64, hard bool) (repository.DeleteResult, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    row := s.find(companyID, user)
    if row == nil {
        return repository.DeleteResult{}, repository.ErrConnectionNotFound
    }
    wasActive := row.IsActive && row.RevokedAt == nil
    if hard {
        kept := s.rows[:0]
        for _, r := range s.rows {
            if r != row {
                kept = append(kept, r)
            }
        }
        s.rows = kept
    } else {
        now := s.tick()
        row.RevokedAt = &now
        row.IsActive = false
        row.UpdatedAt = now
    }
    res := repository.DeleteResult{Deleted: true, WasActive: wasActive}
    if !wasActive {
        return res, nil
    }
    var best *model.Connection
    for _, r := range s.rows {
        if r.ProcoreUserID == user && r.RevokedAt == nil && (best == nil || r.UpdatedAt.After(best.UpdatedAt)) {
            best = r
        }
    }
    if best != nil {
        best.IsActive = true
        best.UpdatedAt = s.tick()
        res.Replacement = clone(best)
    }
    return res, nil
}

func (s *memConnStore) DeleteConnection(_ context.Context, user string, companyID uint64) (repository.DeleteResult, error) {
    return s.remove(user, companyID, true)
}

func (s *memConnStore) RevokeConnection(_ context.Context, user string, companyID uint64) (repository.DeleteResult, error) {
    return s.remove(user, companyID, false)
}

type memCompanyStore struct {
    mu   sync.Mutex
    rows []model.Company
}

func (s *memCompanyStore) add(procoreID, name string) model.Company {
    s.mu.Lock()
    defer s.mu.Unlock()
    c := model.Company{ID: uint64(len(s.rows) + 1), Name: name, ProcoreCompanyID: procoreID}
    s.rows = append(s.rows, c)
    return c
}

func (s *memCompanyStore) GetByID(_ context.Context, id uint64) (*model.Company, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, c := range s.rows {
        if c.ID == id {
            cp := c
            return &cp, nil
        }
    }
    return nil, repository.ErrCompanyNotFound
}

func (s *memCompanyStore) ListByProcoreIDs(_ context.Context, ids []string) ([]model.Company, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := []model.Company{}
    for _, c := range s.rows {
        for _, id := range ids {
            if c.ProcoreCompanyID == id {
                out = append(out, c)
            }
        }
    }
    return out, nil
}

func (s *memCompanyStore) EnsureCompanies(_ context.Context, upstream []model.UpstreamCompany) ([]model.Company, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := []model.Company{}
    for _, uc := range upstream {
        var found *model.Company
        for i := range s.rows {
            if s.rows[i].ProcoreCompanyID == uc.ProcoreCompanyID {
                found = &s.rows[i]
            }
        }
        if found == nil {
            name := uc.Name
            if name == "" {
                name = model.DefaultCompanyName(uc.ProcoreCompanyID)
            }
            s.rows = append(s.rows, model.Company{ID: uint64(len(s.rows) + 1), Name: name, ProcoreCompanyID: uc.ProcoreCompanyID})
            found = &s.rows[len(s.rows)-1]
        }
        out = append(out, *found)
    }
    return out, nil
}

type recordingPublisher struct {
    mu     sync.Mutex
    events []queue.ConnectionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.ConnectionEvent) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.events = append(p.events, ev)
    return nil
}

func (p *recordingPublisher) types() []queue.EventType {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := make([]queue.EventType, 0, len(p.events))
    for _, ev := range p.events {
        out = append(out, ev.Type)
    }
    return out
}

// fakeProcore serves the OAuth token endpoint and a slice of the REST API.
type fakeProcore struct {
    srv *httptest.Server

    mu             sync.Mutex
    exchangeCalls  int
    refreshCalls   int
    exchangeStatus int
    refreshStatus  int
    omitRefresh    bool
    omitExpiresIn  bool
    refreshDelay   time.Duration
    seq            int
    lastRefreshRT  string
    companies      []map[string]any
    apiStatus      int
    retryAfter     string
    apiDelay       time.Duration
    lastAuth       string
    lastCompany    string
    lastQuery      string
}

func newFakeProcore(t *testing.T) *fakeProcore {
    t.Helper()
    fp := &fakeProcore{companies: []map[string]any{{"id": 9001, "name": "Acme Builders"}, {"id": 9002, "name": ""}}}
    mux := http.NewServeMux()
    mux.HandleFunc("/oauth/token", fp.token)
    mux.HandleFunc("/rest/v1.0/me", fp.api(func() any {
        return map[string]any{"id": 4242, "login": "pm@example.com", "name": "Pat Manager"}
    }))
    mux.HandleFunc("/rest/v1.0/companies", fp.api(func() any {
        fp.mu.Lock()
        defer fp.mu.Unlock()
        return fp.companies
    }))
    mux.HandleFunc("/rest/v1.0/projects", fp.api(func() any {
        return []map[string]any{{"id": 11}, {"id": "12"}}
    }))
    mux.HandleFunc("/rest/v1.0/rfis", fp.api(func() any {
        return []map[string]any{{"id": 1, "subject": "Door hardware"}}
    }))
    mux.HandleFunc("/rest/v1.0/documents/", fp.api(nil))
    fp.srv = httptest.NewServer(mux)
    t.Cleanup(fp.srv.Close)
    return fp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func (fp *fakeProcore) token(w http.ResponseWriter, r *http.Request) {
    if err := r.ParseForm(); err != nil {
        writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
        return
    }
    fp.mu.Lock()
    var status int
    var delay time.Duration
    switch r.PostForm.Get("grant_type") {
    case "authorization_code":
        fp.exchangeCalls++
        status = fp.exchangeStatus
    case "refresh_token":
        fp.refreshCalls++
        fp.lastRefreshRT = r.PostForm.Get("refresh_token")
        status = fp.refreshStatus
        delay = fp.refreshDelay
    }
    fp.seq++
    seq := fp.seq
    omitRefresh, omitExpires := fp.omitRefresh, fp.omitExpiresIn
    fp.mu.Unlock()

    if delay > 0 {
        time.Sleep(delay)
    }
    if r.PostForm.Get("client_id") != "cid" || r.PostForm.Get("client_secret") != "secret" {
        writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
        return
    }
    if status != 0 && status != http.StatusOK {
        writeJSON(w, status, map[string]string{"error": "invalid_grant"})
        return
    }
    body := map[string]any{
        "access_token": fmt.Sprintf("access-%d", seq),
        "token_type":   "Bearer",
        "scope":        "read write",
    }
    if !omitRefresh {
        body["refresh_token"] = fmt.Sprintf("refresh-%d", seq)
    }
    if !omitExpires {
        body["expires_in"] = 7200
    }
    writeJSON(w, http.StatusOK, body)
}

func (fp *fakeProcore) api(payload func() any) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        auth := r.Header.Get("Authorization")
        fp.mu.Lock()
        fp.lastAuth = auth
        fp.lastCompany = r.Header.Get("Procore-Company-Id")
        fp.lastQuery = r.URL.RawQuery
        status, retry, delay := fp.apiStatus, fp.retryAfter, fp.apiDelay
        fp.mu.Unlock()

        if delay > 0 {
            select {
            case <-time.After(delay):
            case <-r.Context().Done():
                return
            }
        }
        if !strings.HasPrefix(auth, "Bearer ") {
            writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
            return
        }
        if status != 0 {
            if retry != "" {
                w.Header().Set("Retry-After", retry)
            }
            writeJSON(w, status, map[string]string{"error": "upstream"})
            return
        }
        if payload == nil {
            w.Header().Set("Content-Type", "application/pdf")
            _, _ = w.Write([]byte("%PDF-1.7"))
            return
        }
        writeJSON(w, http.StatusOK, payload())
    }
}

func (fp *fakeProcore) counts() (exchange, refresh int) {
    fp.mu.Lock()
    defer fp.mu.Unlock()
    return fp.exchangeCalls, fp.refreshCalls
}

func (fp *fakeProcore) set(f func(fp *fakeProcore)) {
    fp.mu.Lock()
    defer fp.mu.Unlock()
    f(fp)
}

type testEnv struct {
    fp        *fakeProcore
    conns     *memConnStore
    companies *memCompanyStore
    events    *recordingPublisher
    manager   *OAuthManager
}

func newTestEnv(t *testing.T) *testEnv {
    t.Helper()
    fp := newFakeProcore(t)
    env := &testEnv{
        fp:        fp,
        conns:     newMemConnStore(),
        companies: &memCompanyStore{},
        events:    &recordingPublisher{},
    }
    env.manager = NewOAuthManager(OAuthConfig{
        ClientID:     "cid",
        ClientSecret: "secret",
        RedirectURI:  "http://localhost:2000/api/procore/oauth/callback",
        AuthURL:      fp.srv.URL + "/oauth/authorize",
        TokenURL:     fp.srv.URL + "/oauth/token",
        APIBaseURL:   fp.srv.URL,
        Timeout:      5 * time.Second,
    }, ManagerDeps{
        Connections: env.conns,
        Companies:   env.companies,
        Locker:      NewLocalLocker(5 * time.Second),
        Events:      env.events,
        HTTPClient:  fp.srv.Client(),
    })
    return env
}

// seedConnection stores a connection for user at a new company.
func (env *testEnv) seedConnection(user, procoreCompany string, expiresIn time.Duration, active bool) *model.Connection {
    company := env.companies.add(procoreCompany, "Company "+procoreCompany)
    c := env.conns.seed(model.Connection{
        CompanyID:      company.ID,
        ProcoreUserID:  user,
        AccessToken:    "stored-access-" + procoreCompany,
        RefreshToken:   "stored-refresh-" + procoreCompany,
        TokenExpiresAt: time.Now().UTC().Add(expiresIn),
        Scope:          "read",
        IsActive:       active,
    })
    return c
}

func connectionFor(user string, companyID uint64, expiresIn time.Duration) model.Connection {
    return model.Connection{
        CompanyID:      companyID,
        ProcoreUserID:  user,
        AccessToken:    "orphan-access",
        RefreshToken:   "orphan-refresh",
        TokenExpiresAt: time.Now().UTC().Add(expiresIn),
        IsActive:       true,
    }
}
