package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// problems collects every validation failure so one run reports them all.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

func (p *problems) require(ok bool, format string, args ...any) {
	if !ok {
		p.addf(format, args...)
	}
}

func oneOf(value string, allowed ...string) bool {
	return slices.Contains(allowed, value)
}

// Validate reports every invalid or missing setting, joined.
func (c *Config) Validate() error {
	var p problems

	p.require(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")

	id := c.Identity
	p.require(id.JWKSURL != "" || id.HMACSecretEnv != "", "identity.jwks_url or identity.hmac_secret_env is required")
	p.require(id.JWKSURL == "" || id.Issuer != "", "identity.issuer is required with identity.jwks_url")
	p.require(len(c.Settings.AdminRoles) > 0, "settings.admin_roles must name at least one role")

	c.Store.validate(&p)

	p.require(strings.HasPrefix(c.Boundary.APIRoot, "/"), "boundary.api_root must be an absolute path")
	p.require(c.Boundary.SettingsRoot != "", "boundary.settings_root is required")
	p.require(c.Upstream.BaseURL != "", "upstream.base_url is required")

	p.require(oneOf(c.Idempotency.Driver, DriverMemory, DriverRedis),
		"idempotency.driver %q is not one of memory, redis", c.Idempotency.Driver)
	p.require(oneOf(c.Observability.LogFormat, "", "json", "console"),
		"observability.log_format %q is not one of json, console", c.Observability.LogFormat)
	p.require(!c.Events.Enabled || c.Events.NATSURL != "", "events.nats_url is required when events are enabled")

	return errors.Join(p...)
}

func (s StoreConfig) validate(p *problems) {
	switch s.Driver {
	case DriverMemory:
	case DriverFile:
		p.require(s.Path != "", "store.path is required for the file driver")
	case DriverPostgres:
		p.require(s.DSNEnv != "", "store.dsn_env is required for the postgres driver")
	case DriverNATS:
		p.require(s.NATSURL != "" && s.Bucket != "", "store.nats_url and store.bucket are required for the nats driver")
	default:
		p.addf("store.driver %q is not one of memory, file, postgres, nats", s.Driver)
	}
}
