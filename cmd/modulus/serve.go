package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/modulus/internal/action"
	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/internal/events"
	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/render"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/internal/transport"
	"github.com/pitabwire/modulus/internal/validation"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// service is everything serve runs: the router plus the background work
// that lives as long as it does.
type service struct {
	handler http.Handler
	store   *store.Store
	watcher *store.FileWatcher
}

// serve runs until SIGINT or SIGTERM, then drains in-flight requests for at
// most server.shutdown_timeout.
func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var cl closers
	defer cl.close()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, appName, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	svc, err := assemble(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}
	if _, err := svc.store.Load(ctx); err != nil {
		logger.Warn("module document unavailable at startup", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:      svc.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.String("addr", srv.Addr),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		grace := cfg.Server.ShutdownTimeout
		if grace <= 0 {
			grace = 30 * time.Second
		}
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			logger.Error("http server shutdown", zap.Error(err))
		}
		if err := shutdownTracing(drainCtx); err != nil {
			logger.Error("tracing shutdown", zap.Error(err))
		}
		return nil
	})
	if svc.watcher != nil {
		g.Go(func() error {
			svc.watcher.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// assemble builds the store, resolver, engine and router from cfg.
// Connections it opens are registered with cl.
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger, cl *closers) (*service, error) {
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)
	readiness := observability.ReadinessChecks{}
	svc := &service{}

	repo, err := buildRepository(ctx, cfg.Store, logger, cl)
	if err != nil {
		return nil, err
	}
	storeOpts := []store.Option{store.WithObserver(metrics)}
	if cfg.Events.Enabled {
		conn, closeConn, err := events.Connect(cfg.Events.NATSURL, "", logger)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		cl.add(closeConn)
		publisher := events.NewPublisher(conn, cfg.Events.Subject, metrics, logger)
		storeOpts = append(storeOpts, store.WithNotifier(publisher))
		readiness.Events = publisher
	}
	svc.store = store.New(repo.repo, logger, storeOpts...)
	readiness.Store = storeCheck(repo, svc.store)

	if repo.file != nil && cfg.Store.Watch {
		svc.watcher, err = store.NewFileWatcher(repo.file, logger, func(rev store.Revision) {
			svc.store.NotifyExternalEdit(ctx, rev)
		})
		if err != nil {
			return nil, fmt.Errorf("file watcher: %w", err)
		}
	}

	boundary := resolver.NewBoundary(cfg.Boundary.APIRoot, cfg.Boundary.SettingsRoot)
	client := resolver.NewClient(cfg.Upstream, metrics)

	resolverOpts := []resolver.Option{resolver.WithLogger(logger), resolver.WithRecorder(metrics)}
	if cfg.Cache.Enabled {
		rdb, err := buildRedis(ctx, cfg.Cache.AddrEnv, cfg.Cache.DB)
		switch {
		case err != nil:
			return nil, fmt.Errorf("resolver cache: %w", err)
		case rdb == nil:
			logger.Warn("resolver cache address not set, caching disabled", zap.String("env", cfg.Cache.AddrEnv))
		default:
			cl.add(func() { _ = rdb.Close() })
			resolverOpts = append(resolverOpts, resolver.WithCache(resolver.NewRedisCache(rdb), cfg.Cache.TTL))
			readiness.Cache = redisCheck(rdb)
		}
	}
	res := resolver.New(boundary, client, resolverOpts...)

	engineOpts := []action.Option{action.WithLogger(logger), action.WithRecorder(metrics)}
	if cfg.Idempotency.Enabled {
		idem, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger, cl)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, action.WithIdempotencyStore(idem, cfg.Idempotency.TTL))
		if hc, ok := idem.(observability.HealthChecker); ok {
			readiness.IdempotencyStore = hc
		}
	}

	authenticate, err := buildAuthenticator(cfg.Identity, logger)
	if err != nil {
		return nil, err
	}
	svc.handler = transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: authenticate,
		Store:        svc.store,
		Engine:       action.New(svc.store, boundary, client, engineOpts...),
		Renderer:     render.New(res, render.WithLogger(logger)),
		Resolver:     res,
		Validator:    validation.New(logger),
		Metrics:      metrics,
		Readiness:    readiness,
	})
	return svc, nil
}

// storeCheck is ready when the backend answers and a document loads.
func storeCheck(repo repository, s *store.Store) observability.HealthChecker {
	return observability.CheckFunc(func(ctx context.Context) error {
		if repo.health != nil {
			if err := repo.health.HealthCheck(ctx); err != nil {
				return err
			}
		}
		_, err := s.Load(ctx)
		return err
	})
}

// buildAuthenticator accepts tokens signed by a JWKS key, the shared HMAC
// secret, or either when both are configured.
func buildAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	var jwks *transport.JWKSClient
	if cfg.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, transport.WithJWKSLogger(logger))
	}
	var secret []byte
	if cfg.HMACSecretEnv != "" {
		secret = []byte(os.Getenv(cfg.HMACSecretEnv))
		if len(secret) == 0 && jwks == nil {
			return nil, fmt.Errorf("identity: %s environment variable not set", cfg.HMACSecretEnv)
		}
	}
	return transport.JWTAuthenticator(cfg, jwks, secret), nil
}

func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger, cl *closers) (action.IdempotencyStore, error) {
	if cfg.Driver != config.DriverRedis {
		logger.Info("using in-memory idempotency store")
		return action.NewMemoryIdempotencyStore(), nil
	}
	rdb, err := buildRedis(ctx, cfg.AddrEnv, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	if rdb == nil {
		return nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
	}
	cl.add(func() { _ = rdb.Close() })
	logger.Info("using redis idempotency store")
	return action.NewRedisIdempotencyStore(rdb), nil
}
