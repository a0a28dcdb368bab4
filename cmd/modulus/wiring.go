package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/internal/events"
	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/store"
)

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// repository is the store's persistence backend plus the hooks main needs
// around it.
type repository struct {
	repo   store.ConfigRepository
	file   *store.FileRepository
	health observability.HealthChecker
}

// buildRepository opens the ConfigRepository selected by cfg.Driver.
func buildRepository(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, cl *closers) (repository, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory module store; changes are lost on restart")
		return repository{repo: store.NewMemoryRepository()}, nil

	case config.DriverFile:
		repo, err := store.NewFileRepository(cfg.Path, cfg.BackupsDir)
		if err != nil {
			return repository{}, fmt.Errorf("file store: %w", err)
		}
		logger.Info("using file module store", zap.String("path", cfg.Path))
		return repository{repo: repo, file: repo}, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return repository{}, fmt.Errorf("postgres store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return repository{}, fmt.Errorf("postgres store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
		if err != nil {
			return repository{}, fmt.Errorf("postgres store: connect: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return repository{}, fmt.Errorf("postgres store: ping: %w", err)
		}
		cl.add(pool.Close)

		repo := store.NewPostgresRepository(pool)
		if err := repo.Migrate(connectCtx); err != nil {
			return repository{}, fmt.Errorf("postgres store: migrate: %w", err)
		}
		logger.Info("using postgres module store")
		return repository{repo: repo, health: observability.CheckFunc(pool.Ping)}, nil

	case config.DriverNATS:
		conn, closeFn, err := events.Connect(cfg.NATSURL, "", logger)
		if err != nil {
			return repository{}, fmt.Errorf("nats store: %w", err)
		}
		cl.add(closeFn)
		js, err := jetstream.New(conn)
		if err != nil {
			return repository{}, fmt.Errorf("nats store: jetstream: %w", err)
		}
		repo, err := store.NewKVRepository(ctx, js, cfg.Bucket)
		if err != nil {
			return repository{}, fmt.Errorf("nats store: %w", err)
		}
		logger.Info("using NATS key-value module store", zap.String("bucket", cfg.Bucket))
		return repository{repo: repo}, nil

	default:
		return repository{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildRedis connects to the Redis address held in addrEnv. An unset
// variable yields a nil client.
func buildRedis(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

// redisCheck reports Redis reachability to the readiness endpoint.
func redisCheck(client *redis.Client) observability.HealthChecker {
	return observability.CheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}
