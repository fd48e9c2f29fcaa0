// Package config loads the twin update pipeline's configuration (spec.md
// §6) via viper, the config layer used throughout the example corpus
// (Kong-go-database-reconciler's config stack pulls it in as an indirect
// dependency; promoted here to direct since this module owns its own CLI).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CacheConfig is one entity-keyed cache's tuning (spec.md §6
// cache.thing.{...}/cache.policy.{...}).
type CacheConfig struct {
	Capacity   int64         `mapstructure:"capacity"`
	TTL        time.Duration `mapstructure:"ttl"`
	Dispatcher string        `mapstructure:"dispatcher"`
	RetryDelay time.Duration `mapstructure:"retryDelay"`
}

// AskConfig is the outbound ask-with-retry policy (spec.md §6 ask.{...}).
type AskConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

// Config covers every key enumerated in spec.md §6.
type Config struct {
	MongoURI           string        `mapstructure:"mongoUri"`
	MongoDatabase      string        `mapstructure:"mongoDatabase"`
	MongoCollection    string        `mapstructure:"mongoCollection"`
	MaxArraySize       int           `mapstructure:"maxArraySize"`
	MaxBulkSize        int           `mapstructure:"maxBulkSize"`
	MaxBulkDelay       time.Duration `mapstructure:"maxBulkDelay"`
	Parallelism        int           `mapstructure:"parallelism"`
	PatchSizeThreshold int           `mapstructure:"patchSizeThreshold"`

	CacheThing  CacheConfig `mapstructure:"cacheThing"`
	CachePolicy CacheConfig `mapstructure:"cachePolicy"`
	Ask         AskConfig   `mapstructure:"ask"`

	UpdaterIdleTimeout   time.Duration `mapstructure:"updaterIdleTimeout"`
	ShutdownDrainTimeout time.Duration `mapstructure:"shutdownDrainTimeout"`

	LogLevel       string `mapstructure:"logLevel"`
	LogDevelopment bool   `mapstructure:"logDevelopment"`
}

// defaults mirrors the teacher's options.go pattern of seeding every
// viper key with a sane default before file/env/flag overrides apply.
func defaults(v *viper.Viper) {
	v.SetDefault("maxArraySize", 100)
	v.SetDefault("maxBulkSize", 500)
	v.SetDefault("maxBulkDelay", 500*time.Millisecond)
	v.SetDefault("parallelism", 16)
	v.SetDefault("patchSizeThreshold", 16*1024)

	v.SetDefault("cacheThing.capacity", int64(100_000))
	v.SetDefault("cacheThing.ttl", 5*time.Minute)
	v.SetDefault("cacheThing.dispatcher", "memory")
	v.SetDefault("cacheThing.retryDelay", 2*time.Second)

	v.SetDefault("cachePolicy.capacity", int64(10_000))
	v.SetDefault("cachePolicy.ttl", 10*time.Minute)
	v.SetDefault("cachePolicy.dispatcher", "memory")
	v.SetDefault("cachePolicy.retryDelay", 2*time.Second)

	v.SetDefault("ask.timeout", 5*time.Second)
	v.SetDefault("ask.retries", 3)
	v.SetDefault("ask.backoff", 200*time.Millisecond)

	v.SetDefault("updaterIdleTimeout", 10*time.Minute)
	v.SetDefault("shutdownDrainTimeout", 30*time.Second)

	v.SetDefault("logLevel", "info")
	v.SetDefault("logDevelopment", false)

	v.SetDefault("mongoDatabase", "twins")
	v.SetDefault("mongoCollection", "searchIndex")
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed TWINUPDATER_, and whatever viper instance v already
// has flags bound to, then validates the result.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	defaults(v)

	v.SetEnvPrefix("TWINUPDATER")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("config: mongoUri is required")
	}
	if c.MaxArraySize <= 0 {
		return fmt.Errorf("config: maxArraySize must be positive")
	}
	if c.MaxBulkSize <= 0 {
		return fmt.Errorf("config: maxBulkSize must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("config: parallelism must be positive")
	}
	if c.PatchSizeThreshold < 0 {
		return fmt.Errorf("config: patchSizeThreshold must not be negative")
	}
	return nil
}
