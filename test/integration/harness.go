// Package integration runs the whole modulus HTTP stack in-process against
// a scripted internal API and a local token issuer.
package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/action"
	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/internal/events"
	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/render"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/internal/transport"
	"github.com/pitabwire/modulus/internal/validation"
	"github.com/pitabwire/modulus/model"
)

// TestHarness is one running server. Its exported fields give tests direct
// access to the wired components.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend
	cfg     *config.Config

	Store    *store.Store
	Engine   *action.Engine
	Resolver *resolver.Resolver
	Client   *resolver.Client
	Metrics  *observability.Metrics
	Redis    *miniredis.Miniredis // nil unless WithCache or WithIdempotency
	NATS     *nats.Conn           // nil unless WithEvents
}

type HarnessOption func(*options)

type options struct {
	modules        string
	handlerTimeout time.Duration
	breaker        *config.CircuitBreakerConfig
	idempotency    bool
	cache          bool
	events         bool
}

// WithModules seeds a different module document; "" starts empty.
func WithModules(doc string) HarnessOption {
	return func(o *options) { o.modules = doc }
}

func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(o *options) { o.handlerTimeout = d }
}

func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(o *options) {
		cb.Enabled = true
		o.breaker = &cb
	}
}

// WithIdempotency stores run-api outcomes in an in-process Redis.
func WithIdempotency() HarnessOption {
	return func(o *options) { o.idempotency = true }
}

// WithCache caches resolver responses in an in-process Redis.
func WithCache() HarnessOption {
	return func(o *options) { o.cache = true }
}

// WithEvents publishes committed changes on an embedded NATS server.
func WithEvents() HarnessOption {
	return func(o *options) { o.events = true }
}

// NewTestHarness wires and starts a server seeded with FleetModules. It is
// torn down with the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	o := options{modules: FleetModules, handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	h := &TestHarness{
		t:       t,
		backend: newMockBackend(t, DefaultFleetRoutes()),
		issuer:  newTokenIssuer(t),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	h.cfg = h.config(o)
	logger := zap.NewNop()
	readiness := observability.ReadinessChecks{}

	h.Store = h.moduleStore(o, logger, &readiness)
	if o.modules != "" {
		doc, err := model.ParseModulesConfig([]byte(o.modules))
		require.NoError(t, err, "module fixture")
		_, err = h.Store.Save(context.Background(), doc, store.AnyRevision)
		require.NoError(t, err, "seed module document")
	}

	var rdb *redis.Client
	if o.cache || o.idempotency {
		h.Redis = miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
	}

	boundary := resolver.NewBoundary(h.cfg.Boundary.APIRoot, h.cfg.Boundary.SettingsRoot)
	h.Client = resolver.NewClient(h.cfg.Upstream, h.Metrics)

	resolverOpts := []resolver.Option{resolver.WithRecorder(h.Metrics)}
	if o.cache {
		resolverOpts = append(resolverOpts, resolver.WithCache(resolver.NewRedisCache(rdb), time.Minute))
	}
	h.Resolver = resolver.New(boundary, h.Client, resolverOpts...)

	engineOpts := []action.Option{action.WithRecorder(h.Metrics)}
	if o.idempotency {
		idem := action.NewRedisIdempotencyStore(rdb)
		engineOpts = append(engineOpts, action.WithIdempotencyStore(idem, time.Hour))
		readiness.IdempotencyStore = idem
	}
	h.Engine = action.New(h.Store, boundary, h.Client, engineOpts...)

	h.server = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config: h.cfg,
		Logger: logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity,
			transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour), nil),
		Store:     h.Store,
		Engine:    h.Engine,
		Renderer:  render.New(h.Resolver),
		Resolver:  h.Resolver,
		Validator: validation.New(logger),
		Metrics:   h.Metrics,
		Readiness: readiness,
	}))
	t.Cleanup(h.server.Close)

	return h
}

func (h *TestHarness) config(o options) *config.Config {
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = o.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}

	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{h.issuer.Algorithm()}

	cfg.Upstream.BaseURL = h.backend.URL()
	cfg.Upstream.Timeout = 5 * time.Second
	if o.breaker != nil {
		cfg.Upstream.CircuitBreaker = *o.breaker
	}
	return cfg
}

func (h *TestHarness) moduleStore(o options, logger *zap.Logger, readiness *observability.ReadinessChecks) *store.Store {
	storeOpts := []store.Option{store.WithObserver(h.Metrics)}
	if o.events {
		conn, closeConn, err := events.Connect("", h.t.TempDir(), logger)
		require.NoError(h.t, err, "start embedded NATS")
		h.t.Cleanup(closeConn)
		h.NATS = conn

		publisher := events.NewPublisher(conn, events.DefaultSubject, h.Metrics, logger)
		storeOpts = append(storeOpts, store.WithNotifier(publisher))
		readiness.Events = publisher
	}

	s := store.New(store.NewMemoryRepository(), logger, storeOpts...)
	readiness.Store = observability.CheckFunc(func(ctx context.Context) error {
		_, err := s.Load(ctx)
		return err
	})
	return s
}

func (h *TestHarness) BaseURL() string { return h.server.URL }

// Backend is the scripted internal API the server calls.
func (h *TestHarness) Backend() *MockBackend { return h.backend }

// GenerateToken signs a token the server accepts.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}
