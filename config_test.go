package rbac

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL())
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rbac.yaml")
	data := []byte(`
store:
  driver: sqlite
  dsn: /var/lib/rbac/rbac.db
redis:
  addr: localhost:6379
  channel: rbac:invalidate
engine:
  cache_ttl_ms: 5000
  decision_sample_rate: 0.25
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rbac/rbac.db", cfg.Store.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL())
	assert.Equal(t, 0.25, cfg.Engine.DecisionSampleRate)
	// Unspecified settings keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout())
}

func TestEnvOverridesFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n  dsn: file.db\n"), 0o644))

	t.Setenv("RBAC_STORE_DSN", "env.db")
	t.Setenv("RBAC_CACHE_TTL_MS", "1500")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Store.DSN)
	assert.Equal(t, 1500*time.Millisecond, cfg.CacheTTL())
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }},
		{"zero ttl", func(c *Config) { c.Engine.CacheTTLMS = 0 }},
		{"sample rate out of range", func(c *Config) { c.Engine.DecisionSampleRate = 1.5 }},
		{"redis without channel", func(c *Config) { c.Redis.Addr = "localhost:6379"; c.Redis.Channel = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestConfigYAMLRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.DecisionSampleRate = 0.1
	out, err := cfg.ToYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "driver: sqlite")
	assert.Contains(t, string(out), "decision_sample_rate: 0.1")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/rbac.yaml")
	require.Error(t, err)
}
