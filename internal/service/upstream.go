package service

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/codes"
    "go.opentelemetry.io/otel/metric"
    "go.opentelemetry.io/otel/trace"

    "github.com/iliyamo/procore-qc/internal/apperror"
)

var (
    procoreTracer = otel.Tracer("procore-qc/procore")
    procoreMeter  = otel.Meter("procore-qc/procore")

    upstreamRequests, _ = procoreMeter.Int64Counter("procore.api.request.total",
        metric.WithDescription("Procore API requests by method and status"))
    tokenRefreshes, _ = procoreMeter.Int64Counter("procore.oauth.refresh.total",
        metric.WithDescription("Procore token refresh grants by outcome"))
)

// upstream performs authenticated calls against the Procore REST API and
// maps failures onto apperror values.  It is shared by the token manager
// (during sync, with a fresh token) and the API client.
type upstream struct {
    baseURL string
    client  *http.Client
    timeout time.Duration
}

type upstreamRequest struct {
    method      string
    path        string // either "/rest/..." or an absolute URL
    params      url.Values
    body        any
    accessToken string
    companyID   string // Procore-Company-Id header, omitted when empty
    timeout     time.Duration
}

func (u *upstream) resolve(path string, params url.Values) (string, error) {
    var raw string
    if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
        raw = path
    } else {
        raw = u.baseURL + "/" + strings.TrimLeft(path, "/")
    }
    parsed, err := url.Parse(raw)
    if err != nil {
        return "", err
    }
    if len(params) > 0 {
        q := parsed.Query()
        for k, vs := range params {
            for _, v := range vs {
                q.Add(k, v)
            }
        }
        parsed.RawQuery = q.Encode()
    }
    return parsed.String(), nil
}

// do sends the request and returns the response body of a 2xx answer.
func (u *upstream) do(ctx context.Context, r upstreamRequest) ([]byte, error) {
    timeout := r.timeout
    if timeout <= 0 {
        timeout = u.timeout
    }
    ctx, cancel := context.WithTimeout(ctx, timeout)
    defer cancel()

    ctx, span := procoreTracer.Start(ctx, "procore "+r.method+" "+r.path,
        trace.WithSpanKind(trace.SpanKindClient),
        trace.WithAttributes(
            attribute.String("http.request.method", r.method),
            attribute.String("procore.path", r.path),
            attribute.String("procore.company_id", r.companyID),
        ))
    defer span.End()

    target, err := u.resolve(r.path, r.params)
    if err != nil {
        return nil, u.fail(span, apperror.Internal(fmt.Errorf("build procore url: %w", err)))
    }

    var body io.Reader
    if r.body != nil {
        buf, err := json.Marshal(r.body)
        if err != nil {
            return nil, u.fail(span, apperror.Internal(fmt.Errorf("encode procore body: %w", err)))
        }
        body = bytes.NewReader(buf)
    }
    req, err := http.NewRequestWithContext(ctx, r.method, target, body)
    if err != nil {
        return nil, u.fail(span, apperror.Internal(err))
    }
    req.Header.Set("Authorization", "Bearer "+r.accessToken)
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("Accept", "application/json")
    if r.companyID != "" {
        req.Header.Set("Procore-Company-Id", r.companyID)
    }

    resp, err := u.client.Do(req)
    if err != nil {
        upstreamRequests.Add(ctx, 1, metric.WithAttributes(
            attribute.String("method", r.method), attribute.String("status", "network_error")))
        return nil, u.fail(span, apperror.ExternalService("Failed to reach Procore API",
            map[string]any{"upstream": "procore_api", "timeout": isTimeout(err)}).WithCause(err))
    }
    defer resp.Body.Close()

    span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
    upstreamRequests.Add(ctx, 1, metric.WithAttributes(
        attribute.String("method", r.method), attribute.Int("status", resp.StatusCode)))

    payload, readErr := io.ReadAll(resp.Body)
    if mapped := mapAPIStatus(resp.StatusCode, resp.Header.Get("Retry-After")); mapped != nil {
        return nil, u.fail(span, mapped)
    }
    if readErr != nil {
        return nil, u.fail(span, apperror.ExternalService("Failed to read Procore response",
            map[string]any{"upstream": "procore_api"}).WithCause(readErr))
    }
    return payload, nil
}

func (u *upstream) fail(span trace.Span, err *apperror.Error) error {
    span.RecordError(err)
    span.SetStatus(codes.Error, string(err.Code))
    return err
}

// getJSON performs a GET and decodes the answer into out.
func (u *upstream) getJSON(ctx context.Context, r upstreamRequest, out any) error {
    r.method = http.MethodGet
    payload, err := u.do(ctx, r)
    if err != nil {
        return err
    }
    if err := json.Unmarshal(payload, out); err != nil {
        return apperror.ExternalService("Malformed Procore response",
            map[string]any{"upstream": "procore_api", "path": r.path}).WithCause(err)
    }
    return nil
}

// mapAPIStatus converts a non-2xx Procore API status into a typed error.
// It returns nil for 2xx.
func mapAPIStatus(status int, retryAfter string) *apperror.Error {
    details := map[string]any{"upstream": "procore_api", "upstream_status": status}
    switch {
    case status >= 200 && status < 300:
        return nil
    case status == http.StatusUnauthorized || status == http.StatusForbidden:
        return apperror.AuthExpired(details)
    case status == http.StatusTooManyRequests:
        return apperror.RateLimited(parseRetryAfter(retryAfter), details)
    case status >= 500:
        return apperror.ExternalService("Procore API error", details)
    default:
        return apperror.ExternalService("Procore API request failed", details)
    }
}

// parseRetryAfter returns the delay in whole seconds, or -1 when the header
// is absent or not an integer.
func parseRetryAfter(v string) int {
    v = strings.TrimSpace(v)
    if v == "" {
        return -1
    }
    n, err := strconv.Atoi(v)
    if err != nil || n < 0 {
        return -1
    }
    return n
}

// isTimeout reports whether err came from an expired deadline.
func isTimeout(err error) bool {
    if errors.Is(err, context.DeadlineExceeded) {
        return true
    }
    var ne interface{ Timeout() bool }
    return errors.As(err, &ne) && ne.Timeout()
}
