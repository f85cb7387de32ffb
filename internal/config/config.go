// Package config loads bridge configuration with precedence
// environment > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Core        CoreConfig        `yaml:"core"`
	Cache       CacheConfig       `yaml:"cache"`
	EventBuffer EventBufferConfig `yaml:"event_buffer"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Auth        AuthConfig        `yaml:"auth"`
	Events      EventsConfig      `yaml:"events"`
	Persist     PersistConfig     `yaml:"persistence"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// CoreConfig describes the Q-SYS Core endpoint and connection policy.
type CoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Secure             bool `yaml:"secure"`
	RejectUnauthorized bool `yaml:"reject_unauthorized"`

	ReconnectIntervalMs int `yaml:"reconnect_interval_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
}

type CacheConfig struct {
	MaxEntries        int `yaml:"max_entries"`
	TTLMs             int `yaml:"ttl_ms"`
	CleanupIntervalMs int `yaml:"cleanup_interval_ms"`
}

type EventBufferConfig struct {
	MaxEvents             int `yaml:"max_events"`
	MaxAgeMs              int `yaml:"max_age_ms"`
	GlobalMemoryLimitMB   int `yaml:"global_memory_limit_mb"`
	MemoryCheckIntervalMs int `yaml:"memory_check_interval_ms"`
}

type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	PerClient         bool `yaml:"per_client"`
}

type AuthConfig struct {
	Enabled         bool     `yaml:"enabled"`
	APIKeys         []string `yaml:"api_keys"`
	JWTSecret       string   `yaml:"jwt_secret"`
	TokenExpiration int      `yaml:"token_expiration_s"`
	AllowAnonymous  []string `yaml:"allow_anonymous"`
}

// EventsConfig carries explicit per-control thresholds for the
// threshold_crossed classification. Name/metadata inference only applies to
// controls absent from this map.
type EventsConfig struct {
	Thresholds map[string]float64 `yaml:"thresholds"`
}

type PersistConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	SnapshotIntervalMs int    `yaml:"snapshot_interval_ms"`
	Backups            int    `yaml:"backups"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			Port:                443,
			Secure:              true,
			RejectUnauthorized:  false,
			ReconnectIntervalMs: 5000,
			HeartbeatIntervalMs: 30000,
		},
		Cache: CacheConfig{
			MaxEntries:        1000,
			TTLMs:             3600000,
			CleanupIntervalMs: 60000,
		},
		EventBuffer: EventBufferConfig{
			MaxEvents:             10000,
			MaxAgeMs:              300000,
			GlobalMemoryLimitMB:   500,
			MemoryCheckIntervalMs: 5000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Auth: AuthConfig{
			TokenExpiration: 3600,
			AllowAnonymous:  []string{"ping", "health"},
		},
		Persist: PersistConfig{
			Path:               "state/controls.json",
			SnapshotIntervalMs: 60000,
			Backups:            3,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8090",
		},
	}
}

// Load reads the config file (when path is non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps recognized environment variables onto the config.
// Environment always wins over the file.
func applyEnv(cfg *Config) {
	envString("QSYS_HOST", &cfg.Core.Host)
	envInt("QSYS_PORT", &cfg.Core.Port)
	envString("QSYS_USERNAME", &cfg.Core.Username)
	envString("QSYS_PASSWORD", &cfg.Core.Password)
	envBool("QSYS_SECURE", &cfg.Core.Secure)
	envBool("QSYS_REJECT_UNAUTHORIZED", &cfg.Core.RejectUnauthorized)
	envInt("QSYS_RECONNECT_INTERVAL_MS", &cfg.Core.ReconnectIntervalMs)
	envInt("QSYS_HEARTBEAT_INTERVAL_MS", &cfg.Core.HeartbeatIntervalMs)

	envInt("BRIDGE_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	envInt("BRIDGE_CACHE_TTL_MS", &cfg.Cache.TTLMs)
	envInt("BRIDGE_CACHE_CLEANUP_INTERVAL_MS", &cfg.Cache.CleanupIntervalMs)

	envInt("BRIDGE_EVENTS_MAX_EVENTS", &cfg.EventBuffer.MaxEvents)
	envInt("BRIDGE_EVENTS_MAX_AGE_MS", &cfg.EventBuffer.MaxAgeMs)
	envInt("BRIDGE_EVENTS_MEMORY_LIMIT_MB", &cfg.EventBuffer.GlobalMemoryLimitMB)
	envInt("BRIDGE_EVENTS_MEMORY_CHECK_INTERVAL_MS", &cfg.EventBuffer.MemoryCheckIntervalMs)

	envInt("BRIDGE_RATE_LIMIT_RPM", &cfg.RateLimit.RequestsPerMinute)
	envInt("BRIDGE_RATE_LIMIT_BURST", &cfg.RateLimit.BurstSize)
	envBool("BRIDGE_RATE_LIMIT_PER_CLIENT", &cfg.RateLimit.PerClient)

	envBool("BRIDGE_AUTH_ENABLED", &cfg.Auth.Enabled)
	envString("BRIDGE_JWT_SECRET", &cfg.Auth.JWTSecret)
	envInt("BRIDGE_TOKEN_EXPIRATION_S", &cfg.Auth.TokenExpiration)

	envBool("BRIDGE_PERSIST_ENABLED", &cfg.Persist.Enabled)
	envString("BRIDGE_PERSIST_PATH", &cfg.Persist.Path)

	envString("BRIDGE_HTTP_LISTEN", &cfg.HTTP.ListenAddr)
}

// Validate checks option bounds before any component is constructed.
func (c *Config) Validate() error {
	if c.Core.Host == "" {
		return fmt.Errorf("config: core.host is required")
	}
	if c.Core.Port < 1 || c.Core.Port > 65535 {
		return fmt.Errorf("config: core.port %d out of range", c.Core.Port)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.max_entries must be positive")
	}
	if c.EventBuffer.MaxEvents <= 0 {
		return fmt.Errorf("config: event_buffer.max_events must be positive")
	}
	if c.EventBuffer.GlobalMemoryLimitMB <= 0 {
		return fmt.Errorf("config: event_buffer.global_memory_limit_mb must be positive")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("config: rate_limit values must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("config: auth enabled but no api_keys or jwt_secret configured")
	}
	for name := range c.Events.Thresholds {
		if name == "" {
			return fmt.Errorf("config: events.thresholds has an empty control name")
		}
	}
	return nil
}

// Convenience duration accessors.

func (c *CoreConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

func (c *CoreConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

func (c *CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

func (c *EventBufferConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMs) * time.Millisecond
}

func (c *EventBufferConfig) MemoryCheckInterval() time.Duration {
	return time.Duration(c.MemoryCheckIntervalMs) * time.Millisecond
}

func (c *EventBufferConfig) GlobalMemoryLimitBytes() int64 {
	return int64(c.GlobalMemoryLimitMB) * 1024 * 1024
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
