package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_ORIGIN_URL", "http://localhost:5000")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "daiva-anughara", cfg.Gateway.CacheName)
	assert.Equal(t, "1.0.0", cfg.Gateway.Version)
	assert.Equal(t, "Daiva Anughara", cfg.Gateway.SiteName)
	assert.Len(t, cfg.Gateway.Manifest, 11)
	assert.Equal(t, "/", cfg.Gateway.Manifest[0])
	assert.Equal(t, time.Duration(0), cfg.Gateway.FetchTimeout)
	assert.False(t, cfg.Gateway.WaitAfterInstall)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, 12*time.Hour, cfg.SessionLifetime)
	assert.Equal(t, 30*time.Minute, cfg.ClientTTL)
	assert.False(t, cfg.HasPostgres())
	assert.False(t, cfg.HasNotify())
	assert.False(t, cfg.HasRedis())

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ORIGIN_URL", "https://daiva.example")
	t.Setenv("GATEWAY_VERSION", "2.1.0")
	t.Setenv("GATEWAY_MANIFEST", "/,/static/css/style.css")
	t.Setenv("GATEWAY_FETCH_TIMEOUT", "5s")
	t.Setenv("GATEWAY_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/cachegate")
	t.Setenv("GATEWAY_NOTIFY_URLS", "ntfy://ntfy.sh/a,ntfy://ntfy.sh/b")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "2.1.0", cfg.Gateway.Version)
	assert.Equal(t, []string{"/", "/static/css/style.css"}, cfg.Gateway.Manifest)
	assert.Equal(t, 5*time.Second, cfg.Gateway.FetchTimeout)
	assert.True(t, cfg.HasPostgres())
	assert.Equal(t, []string{"ntfy://ntfy.sh/a", "ntfy://ntfy.sh/b"}, cfg.NotifyURLs)

	u, err := cfg.Origin()
	require.NoError(t, err)
	assert.Equal(t, "daiva.example", u.Host)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("GATEWAY_FETCH_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			LogLevel: "info",
			Gateway: GatewayConfig{
				OriginURL: "http://localhost:5000",
				CacheName: "daiva-anughara",
				Version:   "1.0.0",
				Manifest:  []string{"/"},
			},
			Store: StoreConfig{Kind: StoreMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing origin", func(c *Config) { c.Gateway.OriginURL = "" }, true},
		{"relative origin", func(c *Config) { c.Gateway.OriginURL = "/site" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"empty version", func(c *Config) { c.Gateway.Version = "" }, true},
		{"negative timeout", func(c *Config) { c.Gateway.FetchTimeout = -time.Second }, true},
		{"relative manifest entry", func(c *Config) { c.Gateway.Manifest = []string{"static/app.js"} }, true},
		{"unknown store", func(c *Config) { c.Store.Kind = "redis" }, true},
		{"disk without dir", func(c *Config) { c.Store.Kind = StoreDisk }, true},
		{"sqlite with dir", func(c *Config) { c.Store = StoreConfig{Kind: StoreSQLite, Dir: "/tmp/x"} }, false},
		{"postgres without url", func(c *Config) { c.Store.Kind = StorePostgres }, true},
		{"postgres with url", func(c *Config) {
			c.Store.Kind = StorePostgres
			c.DatabaseURL = "postgres://localhost/db"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
