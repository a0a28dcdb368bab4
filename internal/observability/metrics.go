package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/modulus/internal/store"
)

const namespace = "modulus"

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(128, 8, 6)
)

// Metrics is the service's Prometheus instrumentation. It satisfies the
// recorder interfaces of the store, resolver, action and events packages.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpBytes    *prometheus.HistogramVec

	mutations       *prometheus.CounterVec
	mutationLatency *prometheus.HistogramVec
	corruptLoads    prometheus.Counter
	revision        prometheus.Gauge

	actions        *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec
	formRejections *prometheus.CounterVec

	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	breakerState    prometheus.Gauge

	resolves     *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	published    *prometheus.CounterVec
}

// InitMetrics creates the instruments and registers them with reg. A nil
// reg leaves them unregistered.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	latency := func(subsystem, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "duration_seconds", Help: help,
			Buckets: latencyBuckets,
		}, labels)
	}

	return &Metrics{
		httpRequests: counter("http", "requests_total", "HTTP requests served.", "method", "route", "status"),
		httpLatency:  latency("http", "HTTP request latency.", "method", "route"),
		httpBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
			Help: "HTTP response body size.", Buckets: sizeBuckets,
		}, []string{"method", "route"}),

		mutations:       counter("config", "mutations_total", "Module document mutations by outcome.", "op", "outcome"),
		mutationLatency: latency("config", "Module document mutation latency.", "op"),
		corruptLoads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config", Name: "corrupt_loads_total",
			Help: "Loads that served the empty document because the stored one was unreadable.",
		}),
		revision: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "config", Name: "revision",
			Help: "Revision of the last committed module document.",
		}),

		actions:        counter("action", "executions_total", "Action executions by type and outcome.", "type", "outcome"),
		actionLatency:  latency("action", "Action execution latency.", "type"),
		formRejections: counter("form", "rejections_total", "Form submissions refused by validation.", "form_id"),

		upstreamCalls:   counter("upstream", "requests_total", "Internal API calls by status; 0 means no response.", "method", "status"),
		upstreamLatency: latency("upstream", "Internal API call latency.", "method"),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),

		resolves:     counter("resolver", "resolutions_total", "Data source resolutions by kind and outcome.", "kind", "outcome"),
		cacheLookups: counter("resolver", "cache_lookups_total", "Resolver cache lookups by result.", "result"),
		published:    counter("events", "published_total", "Config change notifications by outcome.", "outcome"),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// OnMutation counts a store operation and tracks the committed revision.
func (m *Metrics) OnMutation(_ context.Context, ev store.MutationEvent) {
	op := string(ev.Op)
	m.mutations.WithLabelValues(op, outcome(ev.Success)).Inc()
	m.mutationLatency.WithLabelValues(op).Observe(ev.Duration.Seconds())
	if ev.Success && ev.Revision > 0 {
		m.revision.Set(float64(ev.Revision))
	}
}

// OnCorruptDocument counts a load that fell back to the empty document.
func (m *Metrics) OnCorruptDocument(context.Context) { m.corruptLoads.Inc() }

// RecordActionExecution counts one action run.
func (m *Metrics) RecordActionExecution(actionType, status string, d time.Duration) {
	m.actions.WithLabelValues(actionType, status).Inc()
	m.actionLatency.WithLabelValues(actionType).Observe(d.Seconds())
}

// RecordFormValidationFailure counts a rejected form submission.
func (m *Metrics) RecordFormValidationFailure(formID string) {
	m.formRejections.WithLabelValues(formID).Inc()
}

// RecordUpstreamRequest counts one internal API call.
func (m *Metrics) RecordUpstreamRequest(method string, status int, d time.Duration) {
	m.upstreamCalls.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.upstreamLatency.WithLabelValues(method).Observe(d.Seconds())
}

// SetUpstreamBreakerState publishes the breaker state gauge.
func (m *Metrics) SetUpstreamBreakerState(state float64) { m.breakerState.Set(state) }

// RecordResolve counts a data source resolution.
func (m *Metrics) RecordResolve(kind, result string) {
	m.resolves.WithLabelValues(kind, result).Inc()
}

// RecordResolverCache counts a cache lookup.
func (m *Metrics) RecordResolverCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordEventPublished counts a change notification attempt.
func (m *Metrics) RecordEventPublished(ok bool) {
	m.published.WithLabelValues(outcome(ok)).Inc()
}

// MetricsMiddleware records each request under its chi route pattern so
// that ids in the path do not become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(statusOf(ww))).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpBytes.WithLabelValues(r.Method, route).Observe(float64(ww.BytesWritten()))
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern is the matched chi pattern, or the raw path when routing
// did not match.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := strings.TrimSuffix(rctx.RoutePattern(), "/*"); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// statusOf treats a handler that never wrote a header as 200.
func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
