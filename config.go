package rbac

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the file-based engine configuration. Environment variables with
// the RBAC_ prefix override file values (RBAC_STORE_DSN, RBAC_REDIS_ADDR,
// ...). Construction from a Config happens in the stores package, which owns
// the drivers.
type Config struct {
	Store  StoreConfig    `yaml:"store" json:"store"`
	Redis  RedisConfig    `yaml:"redis" json:"redis"`
	Engine EngineSettings `yaml:"engine" json:"engine"`
}

// StoreConfig selects the SQL backend.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver" envconfig:"STORE_DRIVER"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" json:"dsn" envconfig:"STORE_DSN"`
}

// RedisConfig enables the shared cache tier and the invalidation broadcast
// channel. An empty Addr disables both.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" json:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db" envconfig:"REDIS_DB"`
	Channel  string `yaml:"channel" json:"channel" envconfig:"REDIS_CHANNEL"`
}

// EngineSettings tunes caching, auditing and the expiry sweep.
type EngineSettings struct {
	CacheTTLMS         int64   `yaml:"cache_ttl_ms" json:"cache_ttl_ms" envconfig:"CACHE_TTL_MS"`
	LocalNumCounters   int64   `yaml:"local_num_counters" json:"local_num_counters" envconfig:"LOCAL_NUM_COUNTERS"`
	LocalMaxCost       int64   `yaml:"local_max_cost" json:"local_max_cost" envconfig:"LOCAL_MAX_COST"`
	StoreTimeoutMS     int64   `yaml:"store_timeout_ms" json:"store_timeout_ms" envconfig:"STORE_TIMEOUT_MS"`
	AuditBuffer        int     `yaml:"audit_buffer" json:"audit_buffer" envconfig:"AUDIT_BUFFER"`
	DecisionSampleRate float64 `yaml:"decision_sample_rate" json:"decision_sample_rate" envconfig:"DECISION_SAMPLE_RATE"`
	SweepIntervalMS    int64   `yaml:"sweep_interval_ms" json:"sweep_interval_ms" envconfig:"SWEEP_INTERVAL_MS"`
	SweepBatch         int     `yaml:"sweep_batch" json:"sweep_batch" envconfig:"SWEEP_BATCH"`
}

// DefaultConfig returns the embedded-sqlite defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DSN: ":memory:"},
		Redis: RedisConfig{Channel: "rbac:invalidate"},
		Engine: EngineSettings{
			CacheTTLMS:      30_000,
			StoreTimeoutMS:  2_000,
			AuditBuffer:     1024,
			SweepIntervalMS: 60_000,
			SweepBatch:      500,
		},
	}
}

// LoadConfig reads YAML from path, applies environment overrides and
// validates the result. An empty path skips the file and uses defaults plus
// environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envconfig.Process("rbac", cfg); err != nil {
		return nil, fmt.Errorf("config env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combination of settings before anything connects.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return errValidation("unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errValidation("store dsn is required")
	}
	if c.Engine.CacheTTLMS <= 0 {
		return errValidation("cache_ttl_ms must be positive")
	}
	if c.Engine.DecisionSampleRate < 0 || c.Engine.DecisionSampleRate > 1 {
		return errValidation("decision_sample_rate must be within [0,1]")
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return errValidation("redis channel is required when redis is enabled")
	}
	return nil
}

// CacheTTL returns the staleness ceiling as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Engine.CacheTTLMS) * time.Millisecond
}

// StoreTimeout returns the per-call store timeout as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Engine.StoreTimeoutMS) * time.Millisecond
}

// SweepInterval returns the expiry sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalMS) * time.Millisecond
}

// ToYAML renders the config, for the admin CLI's validate output.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
