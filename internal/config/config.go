// Package config provides configuration management for chunkrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 3000
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultBringupTimeout    = 20 * time.Second
	defaultChunkWaitTimeout  = 10 * time.Second
	defaultKillGrace         = 500 * time.Millisecond
	defaultJumpWindow        = 10
	defaultUpstreamTimeout   = 30 * time.Second
	defaultUpstreamAttempts  = 3
	defaultUpstreamDelay     = 500 * time.Millisecond
	defaultSessionIdle       = 2 * time.Minute
	defaultCleanupInterval   = 5 * time.Second
	defaultMaxRangeSize      = 500 * 1024 * 1024 * 1024 // 500GiB
	defaultOrphanMaxAge      = time.Hour
	defaultOrphanSweep       = "@every 10m"
	defaultTraceSampleRate   = 0.1
	defaultSeglistBodyLimit  = 50 * 1024 * 1024 // 50MB
	defaultRegistryKeyPrefix = "chunkrelay:"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Session    SessionConfig    `mapstructure:"session"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// TranscoderConfig describes where the external transcoder lives and how
// sessions driving it are timed.
type TranscoderConfig struct {
	// Dir is the transcoder root. Session working directories are created
	// under {Dir}/Cache.
	Dir string `mapstructure:"dir"`
	// ResourcesDir overrides {Dir}/Resources.
	ResourcesDir string `mapstructure:"resources_dir"`
	// BinDir overrides the directory holding the transcoder executable.
	BinDir string `mapstructure:"bin_dir"`
	// Exe overrides the platform default executable name.
	Exe string `mapstructure:"exe"`
	// Mount is substituted for the {PATH} placeholder.
	Mount string `mapstructure:"mount"`

	BringupTimeout   time.Duration `mapstructure:"bringup_timeout"`
	ChunkWaitTimeout time.Duration `mapstructure:"chunk_wait_timeout"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
	JumpWindow       int           `mapstructure:"jump_window"`
}

// UpstreamConfig holds the upstream coordinator (load balancer) settings.
type UpstreamConfig struct {
	LoadBalancer   string        `mapstructure:"load_balancer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RetryAttempts bounds how often a failed forward is tried in total.
	// Retries stop early when the session is killed.
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// RegistryConfig selects the chunk registry backend.
type RegistryConfig struct {
	Driver    string `mapstructure:"driver"` // memory, redis
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SessionConfig holds session idle handling.
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// StreamConfig holds chunk delivery limits.
type StreamConfig struct {
	// MaxRangeSize is the logical stream size used to resolve open ended ranges.
	// Supports human-readable values like "500GiB".
	MaxRangeSize ByteSize `mapstructure:"max_range_size"`
	// SeglistBodyLimit caps the progress callback body size.
	SeglistBodyLimit ByteSize `mapstructure:"seglist_body_limit"`
}

// CacheConfig controls sweeping of session directories left behind by
// previous runs.
type CacheConfig struct {
	OrphanSweep  string        `mapstructure:"orphan_sweep"` // cron spec, empty disables
	// OrphanMaxAge accepts day/week units, e.g. "1d".
	OrphanMaxAge Duration `mapstructure:"orphan_max_age"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"` // empty disables tracing
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CHUNKRELAY_ and use underscores for nesting.
// Example: CHUNKRELAY_SERVER_PORT=3000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/chunkrelay")
		v.AddConfigPath("$HOME/.chunkrelay")
	}

	v.SetEnvPrefix("CHUNKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Transcoder defaults
	v.SetDefault("transcoder.dir", "/usr/lib/plexmediaserver")
	v.SetDefault("transcoder.resources_dir", "")
	v.SetDefault("transcoder.bin_dir", "")
	v.SetDefault("transcoder.exe", "")
	v.SetDefault("transcoder.mount", "/mnt/media")
	v.SetDefault("transcoder.bringup_timeout", defaultBringupTimeout)
	v.SetDefault("transcoder.chunk_wait_timeout", defaultChunkWaitTimeout)
	v.SetDefault("transcoder.kill_grace", defaultKillGrace)
	v.SetDefault("transcoder.jump_window", defaultJumpWindow)

	// Upstream defaults
	v.SetDefault("upstream.load_balancer", "http://127.0.0.1:3001")
	v.SetDefault("upstream.request_timeout", defaultUpstreamTimeout)
	v.SetDefault("upstream.retry_attempts", defaultUpstreamAttempts)
	v.SetDefault("upstream.retry_delay", defaultUpstreamDelay)

	// Registry defaults
	v.SetDefault("registry.driver", "memory")
	v.SetDefault("registry.redis_url", "")
	v.SetDefault("registry.key_prefix", defaultRegistryKeyPrefix)

	// Session defaults
	v.SetDefault("session.idle_timeout", defaultSessionIdle)
	v.SetDefault("session.cleanup_interval", defaultCleanupInterval)

	// Stream defaults
	v.SetDefault("stream.max_range_size", int64(defaultMaxRangeSize))
	v.SetDefault("stream.seglist_body_limit", defaultSeglistBodyLimit)

	// Cache defaults
	v.SetDefault("cache.orphan_sweep", defaultOrphanSweep)
	v.SetDefault("cache.orphan_max_age", defaultOrphanMaxAge)

	// Telemetry defaults
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_rate", defaultTraceSampleRate)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Transcoder.Dir == "" {
		return fmt.Errorf("transcoder.dir is required")
	}
	if c.Transcoder.BringupTimeout <= 0 {
		return fmt.Errorf("transcoder.bringup_timeout must be positive")
	}
	if c.Transcoder.ChunkWaitTimeout <= 0 {
		return fmt.Errorf("transcoder.chunk_wait_timeout must be positive")
	}
	if c.Transcoder.JumpWindow < 0 {
		return fmt.Errorf("transcoder.jump_window must not be negative")
	}

	if _, err := url.ParseRequestURI(c.Upstream.LoadBalancer); err != nil {
		return fmt.Errorf("upstream.load_balancer must be an absolute URL: %w", err)
	}
	if c.Upstream.RetryAttempts < 0 {
		return fmt.Errorf("upstream.retry_attempts must not be negative")
	}

	switch c.Registry.Driver {
	case "memory":
	case "redis":
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("registry.redis_url is required when registry.driver is redis")
		}
	default:
		return fmt.Errorf("registry.driver must be one of: memory, redis")
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Stream.MaxRangeSize <= 0 {
		return fmt.Errorf("stream.max_range_size must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LocalURL is the base URL the transcoder uses to call back into this server.
func (c *ServerConfig) LocalURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// CachePath returns the directory holding per-session working directories.
func (c *TranscoderConfig) CachePath() string {
	return filepath.Join(c.Dir, "Cache")
}

// ResourcesPath returns the transcoder resources directory.
func (c *TranscoderConfig) ResourcesPath() string {
	base := c.ResourcesDir
	if base == "" {
		base = c.Dir
	}
	return filepath.Join(base, "Resources")
}

// BinPath returns the directory holding the transcoder executable.
func (c *TranscoderConfig) BinPath() string {
	if c.BinDir != "" {
		return c.BinDir
	}
	return c.ResourcesPath()
}
