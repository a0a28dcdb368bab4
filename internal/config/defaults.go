package config

import (
	"net/http"
	"time"
)

const redisAddrEnv = "MODULUS_REDIS_ADDR"

// Defaults is the configuration a file is layered over. It still needs an
// identity source before it validates.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{
					http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
				},
				AllowedHeaders: []string{
					"Authorization", "Content-Type", "If-Match", "X-Correlation-Id", "X-Idempotency-Key",
				},
				MaxAge: int((24 * time.Hour).Seconds()),
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths:   map[string]string{"subject_id": "sub", "email": "email", "role": "role"},
		},
		Settings: SettingsConfig{AdminRoles: []string{"ADMIN"}},
		Store: StoreConfig{
			Driver:      DriverFile,
			Path:        "data/modules.json",
			BackupsDir:  "data/backups",
			DSNEnv:      "MODULUS_DATABASE_URL",
			MaxConns:    10,
			ConnTimeout: 5 * time.Second,
			Bucket:      "MODULUS_CONFIG",
		},
		Boundary: BoundaryConfig{APIRoot: "/api", SettingsRoot: "/api/settings"},
		Upstream: UpstreamConfig{
			BaseURL:      "http://localhost:8080",
			MaxBodyBytes: 10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Cache:       CacheConfig{AddrEnv: redisAddrEnv, TTL: 30 * time.Second},
		Idempotency: IdempotencyConfig{Driver: DriverMemory, AddrEnv: redisAddrEnv, TTL: 24 * time.Hour},
		Events:      EventsConfig{Subject: "modulus.config.changed"},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing:   TracingConfig{Exporter: "otlp", SamplingRate: 0.1},
			Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		},
	}
}
