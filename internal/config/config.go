// Package config provides configuration loading, validation, and access for
// the distributed LLM quota engine.
//
// Loading uses Viper to read from a JSON/TOML/env configuration file, with
// per-key quota limits optionally overlaid from a standalone YAML document
// (see LoadLimitsOverlay) for operators who manage limits as a separate,
// version-controlled file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig contains server-specific settings
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// RedisConfig contains coordination-store connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
}

// QuotaConfig contains the sliding-window quota engine settings
type QuotaConfig struct {
	// SegmentSize is the width S of one segment bucket.
	SegmentSize time.Duration `mapstructure:"segmentSize"`

	// Window is the sliding window width W (must be evenly divisible by SegmentSize).
	Window time.Duration `mapstructure:"window"`

	// SweepInterval is how often the background sweep scans for stale reservations.
	SweepInterval time.Duration `mapstructure:"sweepInterval"`

	// SweepDeadline (T_sweep) is the maximum time a reservation may stay OPEN.
	SweepDeadline time.Duration `mapstructure:"sweepDeadline"`

	// DefaultOutputReserve is used as out_reserve when a request omits max_tokens.
	DefaultOutputReserve int `mapstructure:"defaultOutputReserve"`

	// FailOpen controls the store-unavailable policy: true admits without
	// accounting, false (default) rejects with 503.
	FailOpen bool `mapstructure:"failOpen"`

	// KeyPrefix namespaces all Redis keys written by the store adapter.
	KeyPrefix string `mapstructure:"keyPrefix"`

	// Limits maps an API key to its three ceilings.
	Limits map[string]KeyLimits `mapstructure:"limits"`
}

// KeyLimits holds the three per-minute ceilings for one API key
type KeyLimits struct {
	InputTPM  int `mapstructure:"input_tpm" yaml:"input_tpm"`
	OutputTPM int `mapstructure:"output_tpm" yaml:"output_tpm"`
	RPM       int `mapstructure:"rpm" yaml:"rpm"`
}

// UpstreamConfig contains settings for the upstream LLM provider
type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"baseURL"`
	APIKey          string        `mapstructure:"apiKey"`
	UseMock         bool          `mapstructure:"useMock"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"`
	MaxRetries      int           `mapstructure:"maxRetries"`
	RetryBackoffMin time.Duration `mapstructure:"retryBackoffMin"`
	RetryBackoffMax time.Duration `mapstructure:"retryBackoffMax"`
	MockDelayMin    time.Duration `mapstructure:"mockDelayMin"`
	MockDelayMax    time.Duration `mapstructure:"mockDelayMax"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load loads the configuration from the specified file
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RATELIMITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("./internal/config")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadLimitsOverlay reads a YAML document of {key: {input_tpm, output_tpm,
// rpm}} and merges it into cfg.Quota.Limits, overriding any key already
// present. Used by the server command's --limits-file flag.
func LoadLimitsOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read limits overlay: %w", err)
	}

	var overlay map[string]KeyLimits
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse limits overlay: %w", err)
	}

	if cfg.Quota.Limits == nil {
		cfg.Quota.Limits = make(map[string]KeyLimits, len(overlay))
	}
	for key, limits := range overlay {
		cfg.Quota.Limits[key] = limits
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "60s")
	v.SetDefault("server.idleTimeout", "120s")
	v.SetDefault("server.shutdownTimeout", "30s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)

	v.SetDefault("quota.segmentSize", "1s")
	v.SetDefault("quota.window", "60s")
	v.SetDefault("quota.sweepInterval", "5s")
	v.SetDefault("quota.sweepDeadline", "120s")
	v.SetDefault("quota.defaultOutputReserve", 512)
	v.SetDefault("quota.failOpen", false)
	v.SetDefault("quota.keyPrefix", "rl:")

	v.SetDefault("upstream.useMock", true)
	v.SetDefault("upstream.requestTimeout", "60s")
	v.SetDefault("upstream.maxRetries", 3)
	v.SetDefault("upstream.retryBackoffMin", "100ms")
	v.SetDefault("upstream.retryBackoffMax", "10s")
	v.SetDefault("upstream.mockDelayMin", "100ms")
	v.SetDefault("upstream.mockDelayMax", "500ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server port must be specified")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis address must be specified")
	}
	if cfg.Quota.SegmentSize <= 0 || cfg.Quota.Window <= 0 {
		return fmt.Errorf("quota segmentSize and window must be positive")
	}
	if cfg.Quota.Window%cfg.Quota.SegmentSize != 0 {
		return fmt.Errorf("quota window must be evenly divisible by segmentSize")
	}
	if !cfg.Upstream.UseMock && cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream baseURL must be specified unless useMock is true")
	}
	return nil
}
