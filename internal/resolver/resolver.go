package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/model"
)

// Context kinds.
const (
	KindTable  = "table"
	KindMetric = "metric"
)

// Doer performs one internal API call. *Client implements it.
type Doer interface {
	Do(ctx context.Context, rctx *model.RequestContext, req Request) (Response, error)
}

// TableResult is the rows a table displays. Failures leave Rows empty and
// describe the problem in Error.
type TableResult struct {
	Rows  []model.Value `json:"rows"`
	Error string        `json:"error,omitempty"`
}

// MetricResult is a metric's value. Value is the display value after
// coercion, Raw the extracted payload before it. Missing is set when the
// extraction path did not resolve.
type MetricResult struct {
	Value   model.Value `json:"value"`
	Raw     model.Value `json:"raw"`
	Missing bool        `json:"missing,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Resolver executes data sources. It is stateless apart from the optional
// response cache, and safe for concurrent use.
type Resolver struct {
	boundary *Boundary
	client   Doer
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	recorder Recorder
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache caches successful GET responses for ttl.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// New creates a resolver calling client within boundary.
func New(boundary *Boundary, client Doer, opts ...Option) *Resolver {
	r := &Resolver{boundary: boundary, client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Boundary returns the allow-list used by the resolver.
func (r *Resolver) Boundary() *Boundary { return r.boundary }

// Table resolves ds for a table. The only error returned is a boundary
// rejection; every other failure yields an empty row set.
func (r *Resolver) Table(ctx context.Context, rctx *model.RequestContext, ds *model.DataSource, params map[string]model.Value) (TableResult, error) {
	v, found, err := r.Fetch(ctx, rctx, ds, params)
	if err != nil {
		if isBoundaryError(err) {
			r.record(KindTable, "rejected")
			return TableResult{}, err
		}
		r.warn(ctx, KindTable, ds, err)
		r.record(KindTable, "error")
		return TableResult{Rows: []model.Value{}, Error: errorMessage(err)}, nil
	}
	r.record(KindTable, "ok")
	return TableResult{Rows: asRows(v, found)}, nil
}

// Metric resolves ds for a metric. The only error returned is a boundary
// rejection; every other failure is reported in MetricResult.Error.
func (r *Resolver) Metric(ctx context.Context, rctx *model.RequestContext, ds *model.DataSource, params map[string]model.Value) (MetricResult, error) {
	v, found, err := r.Fetch(ctx, rctx, ds, params)
	if err != nil {
		if isBoundaryError(err) {
			r.record(KindMetric, "rejected")
			return MetricResult{}, err
		}
		r.warn(ctx, KindMetric, ds, err)
		r.record(KindMetric, "error")
		return MetricResult{Error: errorMessage(err)}, nil
	}
	r.record(KindMetric, "ok")
	if !found {
		return MetricResult{Missing: true}, nil
	}
	return MetricResult{Value: metricValue(v), Raw: v}, nil
}

// Fetch performs the call described by ds and returns the value at ds.Path.
// found is false when the path does not resolve. Non-2xx responses return
// an UPSTREAM_FAILURE envelope carrying the upstream status and body.
func (r *Resolver) Fetch(ctx context.Context, rctx *model.RequestContext, ds *model.DataSource, params map[string]model.Value) (model.Value, bool, error) {
	if ds == nil {
		return model.Value{}, false, model.NewBadRequestError("data source is required")
	}
	target, err := r.boundary.Check(ds.URL)
	if err != nil {
		return model.Value{}, false, err
	}

	req, err := buildRequest(ds, target, params)
	if err != nil {
		return model.Value{}, false, err
	}

	ctx, span := observability.StartSpan(ctx, "resolver.fetch")
	defer span.End()

	resp, err := r.call(ctx, rctx, req)
	if err != nil {
		return model.Value{}, false, err
	}
	if !resp.OK() {
		return model.Value{}, false, model.NewUpstreamError(resp.Status, resp.Body)
	}

	body, err := resp.Decode()
	if err != nil {
		return model.Value{}, false, err
	}
	v, found := body.Path(ds.Path)
	return v, found, nil
}

// call goes through the cache for GET requests.
func (r *Resolver) call(ctx context.Context, rctx *model.RequestContext, req Request) (Response, error) {
	if r.cache == nil || req.Method != model.MethodGet {
		return r.client.Do(ctx, rctx, req)
	}

	key := cacheKey(rctx, req)
	if data, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Debug("resolver cache read failed", zap.Error(err))
	} else if ok {
		var resp Response
		if err := json.Unmarshal(data, &resp); err == nil {
			r.recordCache(ctx, true)
			return resp, nil
		}
	}
	r.recordCache(ctx, false)

	resp, err := r.client.Do(ctx, rctx, req)
	if err != nil || !resp.OK() {
		return resp, err
	}
	if data, err := json.Marshal(resp); err == nil {
		if err := r.cache.Set(ctx, key, data, r.cacheTTL); err != nil {
			r.logger.Debug("resolver cache write failed", zap.Error(err))
		}
	}
	return resp, nil
}

// buildRequest applies the request rules: GET carries params in the query
// string; other methods send ds.Body, else the caller's params, else {}.
func buildRequest(ds *model.DataSource, target Target, params map[string]model.Value) (Request, error) {
	req := Request{Method: ds.EffectiveMethod(), Headers: ds.Headers}

	if req.Method == model.MethodGet {
		req.Target = target.WithParams(ds.Params, params)
		return req, nil
	}

	req.Target = target
	var body model.Value
	switch {
	case ds.Body != nil:
		body = *ds.Body
	case len(params) > 0:
		body = model.Map(params)
	default:
		body = model.Map(nil)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("encode request body: %w", err)
	}
	req.Body = data
	return req, nil
}

func addQuery(q url.Values, params map[string]model.Value) {
	for k, v := range params {
		if items, ok := v.AsList(); ok {
			vals := make([]string, len(items))
			for i, item := range items {
				vals[i] = item.Text()
			}
			q[k] = vals
			continue
		}
		if v.IsNull() {
			continue
		}
		q.Set(k, v.Text())
	}
}

// cacheKey identifies a GET by caller identity, target and headers, since
// the internal API may answer differently per subject and role.
func cacheKey(rctx *model.RequestContext, req Request) string {
	h := sha256.New()
	if rctx != nil {
		fmt.Fprintf(h, "%s\n%s\n", rctx.SubjectID, rctx.Role)
	}
	fmt.Fprintf(h, "%s\n", req.Target.String())
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s:%s\n", strings.ToLower(k), req.Headers[k])
	}
	return "modulus:resolve:" + hex.EncodeToString(h.Sum(nil))
}

// asRows coerces an extracted value to a row sequence.
func asRows(v model.Value, found bool) []model.Value {
	if !found {
		return []model.Value{}
	}
	items, ok := v.AsList()
	if !ok {
		return []model.Value{}
	}
	return items
}

// metricValue applies the metric coercions: a list becomes its length, a
// numeric string becomes a number, anything else passes through.
func metricValue(v model.Value) model.Value {
	if items, ok := v.AsList(); ok {
		return model.Number(float64(len(items)))
	}
	if s, ok := v.AsString(); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return model.Number(n)
		}
	}
	return v
}

func isBoundaryError(err error) bool {
	var env *model.ErrorEnvelope
	return errors.As(err, &env) && env.Code == model.ErrBadRequest
}

func errorMessage(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "request cancelled"
	}
	return "data source failed"
}

func (r *Resolver) warn(ctx context.Context, kind string, ds *model.DataSource, err error) {
	observability.RequestLogger(ctx, r.logger).Warn("data source failed",
		zap.String("kind", kind),
		zap.String("url", ds.URL),
		zap.Error(err),
	)
}

func (r *Resolver) record(kind, outcome string) {
	if r.recorder != nil {
		r.recorder.RecordResolve(kind, outcome)
	}
}

func (r *Resolver) recordCache(ctx context.Context, hit bool) {
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrCacheHit.Bool(hit))
	if r.recorder != nil {
		r.recorder.RecordResolverCache(hit)
	}
}
