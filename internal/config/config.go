// Package config loads the core's configuration surface.
//
// Configuration is read from an optional YAML file plus PARLO_* environment
// overrides; every option has a documented default so the core runs with no
// file present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the recognized option surface.
type Config struct {
	// DataDir is the root directory for the database and cached blobs.
	DataDir string `mapstructure:"dataDir"`

	// ServerURL is the base URL of the remote backend.
	ServerURL string `mapstructure:"serverURL"`

	// WifiOnly skips sync attempts on metered transports.
	WifiOnly bool `mapstructure:"wifiOnly"`

	// SyncIntervalMinutes is the periodic sync cadence while online.
	SyncIntervalMinutes int `mapstructure:"syncIntervalMinutes"`

	// BackgroundSyncEnabled gates the periodic timer entirely.
	BackgroundSyncEnabled bool `mapstructure:"backgroundSyncEnabled"`

	// RequestTimeout bounds each remote call.
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`

	// PushBatchSize bounds how many queued operations one claim returns.
	PushBatchSize int `mapstructure:"pushBatchSize"`

	// CacheBudgetBytes bounds the total size of cached blobs.
	CacheBudgetBytes int64 `mapstructure:"cacheBudgetBytes"`

	// CacheDefaultTTL is applied to cache entries without an explicit TTL.
	CacheDefaultTTL time.Duration `mapstructure:"cacheDefaultTtl"`

	// RetentionWindowForCompletedOps bounds sync-queue log growth.
	RetentionWindowForCompletedOps time.Duration `mapstructure:"retentionWindowForCompletedOps"`

	// LogLevel and LogFile configure structured logging output.
	LogLevel string `mapstructure:"logLevel"`
	LogFile  string `mapstructure:"logFile"`
}

// Defaults applied when the option is absent from file and environment.
const (
	DefaultSyncIntervalMinutes = 15
	DefaultCacheBudgetBytes    = 50 * 1024 * 1024
	DefaultPushBatchSize       = 50
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", ".parlo")
	v.SetDefault("serverURL", "")
	v.SetDefault("wifiOnly", false)
	v.SetDefault("syncIntervalMinutes", DefaultSyncIntervalMinutes)
	v.SetDefault("backgroundSyncEnabled", true)
	v.SetDefault("requestTimeout", 30*time.Second)
	v.SetDefault("pushBatchSize", DefaultPushBatchSize)
	v.SetDefault("cacheBudgetBytes", DefaultCacheBudgetBytes)
	v.SetDefault("cacheDefaultTtl", 24*time.Hour)
	v.SetDefault("retentionWindowForCompletedOps", 24*time.Hour)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFile", "")
}

// Load reads configuration from the given file (optional, "" to skip) and
// the PARLO_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PARLO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Only defaults present, decoding cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) validate() error {
	if c.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("syncIntervalMinutes must be positive, got %d", c.SyncIntervalMinutes)
	}
	if c.CacheBudgetBytes <= 0 {
		return fmt.Errorf("cacheBudgetBytes must be positive, got %d", c.CacheBudgetBytes)
	}
	if c.PushBatchSize <= 0 {
		return fmt.Errorf("pushBatchSize must be positive, got %d", c.PushBatchSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("requestTimeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// SyncInterval returns the periodic cadence as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}
