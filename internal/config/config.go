// Package config holds the service configuration: a YAML file layered over
// Defaults, then MODULUS_* environment overrides, then Validate.
package config

import "time"

// Drivers accepted by store.driver and idempotency.driver.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
	DriverRedis    = "redis"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Settings      SettingsConfig      `yaml:"settings"`
	Store         StoreConfig         `yaml:"store"`
	Boundary      BoundaryConfig      `yaml:"boundary"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Cache         CacheConfig         `yaml:"cache"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// ShutdownTimeout bounds the drain of in-flight requests on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig verifies bearer tokens against a JWKS endpoint, or against
// a shared secret read from the variable named by HMACSecretEnv.
type IdentityConfig struct {
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Algorithms    []string      `yaml:"algorithms"`
	// ClaimPaths maps subject_id, email and role to dot paths in the token.
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

type SettingsConfig struct {
	AdminRoles []string `yaml:"admin_roles"`
}

// StoreConfig picks where the module document lives. Which fields matter
// depends on Driver.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	Path       string `yaml:"path"`
	BackupsDir string `yaml:"backups_dir"`
	Watch      bool   `yaml:"watch"`

	DSNEnv      string        `yaml:"dsn_env"`
	MaxConns    int32         `yaml:"max_conns"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`

	NATSURL string `yaml:"nats_url"`
	Bucket  string `yaml:"bucket"`
}

// BoundaryConfig limits which paths data sources and run-api actions may
// reach on the internal API.
type BoundaryConfig struct {
	APIRoot      string `yaml:"api_root"`
	SettingsRoot string `yaml:"settings_root"`
}

type UpstreamConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxBodyBytes   int64                `yaml:"max_body_bytes"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	SuccessThreshold int  `yaml:"success_threshold"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// EventsConfig publishes a message on Subject after every committed change
// to the module document.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // otlp or stdout
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}
