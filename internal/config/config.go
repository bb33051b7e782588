// Package config handles application configuration from environment variables
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// Storage backends
const (
	StoreMemory   = "memory"
	StoreDisk     = "disk"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Gateway GatewayConfig
	Store   StoreConfig

	DatabaseURL string   `env:"DATABASE_URL"`
	RedisAddr   string   `env:"REDIS_ADDR"`
	NotifyURLs  []string `env:"GATEWAY_NOTIFY_URLS"`

	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"12h"`
	ClientTTL       time.Duration `env:"GATEWAY_CLIENT_TTL" envDefault:"30m"`
}

// GatewayConfig holds the caching gateway settings
type GatewayConfig struct {
	OriginURL        string        `env:"GATEWAY_ORIGIN_URL"`
	CacheName        string        `env:"GATEWAY_CACHE_NAME" envDefault:"daiva-anughara"`
	Version          string        `env:"GATEWAY_VERSION" envDefault:"1.0.0"`
	SiteName         string        `env:"GATEWAY_SITE_NAME" envDefault:"Daiva Anughara"`
	Manifest         []string      `env:"GATEWAY_MANIFEST" envDefault:"/,/static/css/style.css,/static/js/main.js,/static/js/countdown.js,/static/js/search.js,/static/images/favicon.ico,/static/images/favicon-32x32.png,/static/images/favicon-16x16.png,/static/images/apple-touch-icon.png,/static/images/android-chrome-192x192.png,/static/images/android-chrome-512x512.png"`
	FetchTimeout     time.Duration `env:"GATEWAY_FETCH_TIMEOUT" envDefault:"0s"`
	WaitAfterInstall bool          `env:"GATEWAY_WAIT_AFTER_INSTALL"`
}

// StoreConfig selects where cache generations live
type StoreConfig struct {
	Kind string `env:"GATEWAY_STORE" envDefault:"memory"`
	Dir  string `env:"GATEWAY_STORE_DIR" envDefault:"./data"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "parse environment")
	}
	return cfg, nil
}

// Origin returns the parsed origin URL
func (c *Config) Origin() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(c.Gateway.OriginURL))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid GATEWAY_ORIGIN_URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "GATEWAY_ORIGIN_URL must be an absolute url, got %q", c.Gateway.OriginURL)
	}
	return u, nil
}

// Level returns the zerolog level for LOG_LEVEL
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid LOG_LEVEL %q", c.LogLevel)
	}
	return lvl, nil
}

// HasPostgres returns true if a database url is configured
func (c *Config) HasPostgres() bool {
	return c.DatabaseURL != ""
}

// HasRedis returns true if a task queue is configured
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// HasNotify returns true if push notifications have somewhere to go
func (c *Config) HasNotify() bool {
	return len(c.NotifyURLs) > 0
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if _, err := c.Origin(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Gateway.CacheName == "" || c.Gateway.Version == "" {
		return errors.New(errors.CodeInvalidConfig, "GATEWAY_CACHE_NAME and GATEWAY_VERSION must not be empty")
	}
	if c.Gateway.FetchTimeout < 0 {
		return errors.New(errors.CodeInvalidConfig, "GATEWAY_FETCH_TIMEOUT must not be negative")
	}
	for _, p := range c.Gateway.Manifest {
		if !strings.HasPrefix(p, "/") {
			return errors.Newf(errors.CodeInvalidConfig, "manifest entry %q must be an absolute path", p)
		}
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreDisk, StoreSQLite:
		if c.Store.Dir == "" {
			return errors.Newf(errors.CodeInvalidConfig, "GATEWAY_STORE_DIR is required for the %s store", c.Store.Kind)
		}
	case StorePostgres:
		if !c.HasPostgres() {
			return errors.New(errors.CodeInvalidConfig, "DATABASE_URL is required for the postgres store")
		}
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown GATEWAY_STORE %q", c.Store.Kind)
	}
	return nil
}
