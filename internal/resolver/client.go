package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/model"
)

// Trusted headers attached to every internal API call. Configuration cannot
// set or override them.
const (
	HeaderSubjectID     = "X-Subject-Id"
	HeaderRole          = "X-Role"
	HeaderCorrelationID = "X-Correlation-Id"
)

var trustedHeaders = map[string]bool{
	http.CanonicalHeaderKey(HeaderSubjectID):     true,
	http.CanonicalHeaderKey(HeaderRole):          true,
	http.CanonicalHeaderKey(HeaderCorrelationID): true,
	"Authorization":                              true,
	"Cookie":                                     true,
	"Host":                                       true,
}

// Request is an outbound call against a checked target.
type Request struct {
	Method  model.HTTPMethod
	Target  Target
	Body    []byte
	Headers map[string]string
}

// Response is the internal API's answer. Body is capped at the configured
// maximum size.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// IsJSON reports whether the content type is JSON or a +json variant.
func (r Response) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Decode parses a JSON body into a Value, or returns the body as a string
// for any other content type. An empty body decodes to null.
func (r Response) Decode() (model.Value, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return model.Null(), nil
	}
	if !r.IsJSON() {
		return model.String(string(r.Body)), nil
	}
	v, err := model.ParseValue(r.Body)
	if err != nil {
		return model.Value{}, fmt.Errorf("decode response body: %w", err)
	}
	return v, nil
}

// Recorder receives resolver and upstream metrics.
type Recorder interface {
	RecordUpstreamRequest(method string, status int, duration time.Duration)
	SetUpstreamBreakerState(state float64)
	RecordResolve(kind, outcome string)
	RecordResolverCache(hit bool)
}

// Client calls the internal API with a shared circuit breaker.
type Client struct {
	baseURL  string
	client   *http.Client
	breaker  *CircuitBreaker
	maxBody  int64
	recorder Recorder
}

// NewClient creates a client for cfg.BaseURL. recorder may be nil.
func NewClient(cfg config.UpstreamConfig, recorder Recorder) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			// Redirects could leave the internal API boundary.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody:  maxBody,
		recorder: recorder,
	}
	if cfg.CircuitBreaker.Enabled {
		cb := cfg.CircuitBreaker
		c.breaker = NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)
		if recorder != nil {
			c.breaker.OnStateChange(func(s BreakerState) {
				recorder.SetUpstreamBreakerState(breakerGauge(s))
			})
		}
	}
	return c
}

func breakerGauge(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	}
	return 0
}

// Breaker returns the client's circuit breaker, or nil when disabled.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Do performs a single call. Any HTTP response, including 4xx and 5xx, is
// returned as a Response; transport failures, an open breaker and a body
// over the size limit return an UPSTREAM_FAILURE envelope with status 0.
func (c *Client) Do(ctx context.Context, rctx *model.RequestContext, req Request) (Response, error) {
	method := string(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	ctx, span := observability.StartSpan(ctx, "resolver.upstream",
		attribute.String("http.request.method", method),
		attribute.String("url.path", req.Target.Path),
	)
	start := time.Now()
	resp, err := c.do(ctx, rctx, method, req)
	if c.recorder != nil {
		c.recorder.RecordUpstreamRequest(method, resp.Status, time.Since(start))
	}
	if err == nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	observability.EndSpanWithError(span, err)
	return resp, err
}

func (c *Client) do(ctx context.Context, rctx *model.RequestContext, method string, req Request) (Response, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return Response{}, model.NewUpstreamError(0, nil)
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Target.String(), body)
	if err != nil {
		c.release()
		return Response{}, fmt.Errorf("resolver: build request: %w", err)
	}
	httpReq.Header = buildHeaders(ctx, rctx, req.Headers)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			c.release()
			return Response{}, ctx.Err()
		}
		c.recordFailure()
		return Response{}, model.NewUpstreamError(0, nil)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		c.recordFailure()
		return Response{}, model.NewUpstreamError(0, nil)
	}

	// Any reply below 500 proves the internal API is reachable; 4xx are
	// caller problems.
	if httpResp.StatusCode >= 500 {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}

	if int64(len(data)) > c.maxBody {
		env := model.NewUpstreamError(0, nil)
		env.Message = fmt.Sprintf("The internal API response exceeded %d bytes", c.maxBody)
		return Response{}, env
	}

	return Response{
		Status:      httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *Client) release() {
	if c.breaker != nil {
		c.breaker.Release()
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func buildHeaders(ctx context.Context, rctx *model.RequestContext, custom map[string]string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")

	for k, v := range custom {
		k = http.CanonicalHeaderKey(sanitizeHeader(k))
		if k == "" || trustedHeaders[k] {
			continue
		}
		h.Set(k, sanitizeHeader(v))
	}

	if rctx != nil {
		h.Set(HeaderSubjectID, sanitizeHeader(rctx.SubjectID))
		h.Set(HeaderRole, sanitizeHeader(rctx.Role))
		if rctx.CorrelationID != "" {
			h.Set(HeaderCorrelationID, sanitizeHeader(rctx.CorrelationID))
		}
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
