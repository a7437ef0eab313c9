package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, 3, cfg.Scheduler.PriorityTiers)
	assert.Equal(t, 1, cfg.Scheduler.DefaultPriority)
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxAttempt)
	assert.Equal(t, "memory", cfg.Storage.Provider)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 60*time.Second, cfg.LockTTL())
	assert.False(t, cfg.Headless.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
scheduler:
  concurrency: 2
coord:
  domain_rps: 0.5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, 0.5, cfg.Coord.DomainRPS)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.Scheduler.PriorityTiers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }},
		{"zero tiers", func(c *Config) { c.Scheduler.PriorityTiers = 0 }},
		{"backoff max below base", func(c *Config) { c.Scheduler.BackoffMaxMs = 1; c.Scheduler.BackoffBaseMs = 1000 }},
		{"zero fetch timeout", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }},
		{"headless without parallel", func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 }},
		{"zero burst", func(c *Config) { c.Coord.DomainBurst = 0 }},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs"; c.Storage.GCSBucket = "" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
