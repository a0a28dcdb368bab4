package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path over Defaults, applies environment
// overrides and validates the result. Keys the file does not know about
// are rejected so a typo cannot silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// envOverride binds one MODULUS_* variable to a field.
type envOverride struct {
	name string
	set  func(cfg *Config, raw string) error
}

func text(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		*field(cfg) = raw
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

var envOverrides = []envOverride{
	{"MODULUS_SERVER_PORT", integer(func(c *Config) *int { return &c.Server.Port })},
	{"MODULUS_SERVER_HANDLER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.HandlerTimeout })},
	{"MODULUS_IDENTITY_ISSUER", text(func(c *Config) *string { return &c.Identity.Issuer })},
	{"MODULUS_IDENTITY_AUDIENCE", text(func(c *Config) *string { return &c.Identity.Audience })},
	{"MODULUS_IDENTITY_JWKS_URL", text(func(c *Config) *string { return &c.Identity.JWKSURL })},
	{"MODULUS_STORE_DRIVER", text(func(c *Config) *string { return &c.Store.Driver })},
	{"MODULUS_STORE_PATH", text(func(c *Config) *string { return &c.Store.Path })},
	{"MODULUS_STORE_NATS_URL", text(func(c *Config) *string { return &c.Store.NATSURL })},
	{"MODULUS_UPSTREAM_BASE_URL", text(func(c *Config) *string { return &c.Upstream.BaseURL })},
	{"MODULUS_UPSTREAM_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Upstream.Timeout })},
	{"MODULUS_EVENTS_ENABLED", boolean(func(c *Config) *bool { return &c.Events.Enabled })},
	{"MODULUS_EVENTS_NATS_URL", text(func(c *Config) *string { return &c.Events.NATSURL })},
	{"MODULUS_OBSERVABILITY_LOG_LEVEL", text(func(c *Config) *string { return &c.Observability.LogLevel })},
	{"MODULUS_OBSERVABILITY_LOG_FORMAT", text(func(c *Config) *string { return &c.Observability.LogFormat })},
}

// applyEnv applies every set override. A value that does not parse is an
// error rather than being ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		raw, ok := lookup(o.name)
		if !ok || raw == "" {
			continue
		}
		if err := o.set(cfg, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", o.name, raw, err))
		}
	}
	return errors.Join(errs...)
}
