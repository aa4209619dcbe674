package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"highlightsync/internal/logger"
)

// EnvPrefix prefixes every environment variable, e.g. HLSYNC_DB_PATH.
const EnvPrefix = "HLSYNC"

// DefaultConfigName is looked up in the working directory and in the user
// config directory when no --config flag is given.
const DefaultConfigName = "highlightsync.yaml"

const (
	ModeDelta = "delta"
	ModeFull  = "full"

	WatermarkDB   = "db"
	WatermarkFile = "file"
)

type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Readwise  ReadwiseConfig  `mapstructure:"readwise"`
	Lock      LockConfig      `mapstructure:"lock"`
	Watermark WatermarkConfig `mapstructure:"watermark"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type ReadwiseConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

type LockConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type WatermarkConfig struct {
	Backend string `mapstructure:"backend"`
	File    string `mapstructure:"file"`
}

type SyncConfig struct {
	Mode  string `mapstructure:"mode"`
	Since string `mapstructure:"since"` // RFC3339; overrides the stored watermark
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	File   string `mapstructure:"file"`
}

// New returns a viper instance with every default set and environment
// binding enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db.path", "highlights.db")

	v.SetDefault("readwise.base_url", "https://readwise.io/api/v2")
	v.SetDefault("readwise.token", "")
	v.SetDefault("readwise.requests_per_minute", 20)
	v.SetDefault("readwise.timeout", "30s")
	v.SetDefault("readwise.max_retries", 3)

	v.SetDefault("lock.timeout", "60s")
	v.SetDefault("lock.retry_interval", "250ms")
	v.SetDefault("lock.stale_after", "1h")

	v.SetDefault("watermark.backend", WatermarkDB)
	v.SetDefault("watermark.file", "")

	v.SetDefault("sync.mode", ModeDelta)
	v.SetDefault("sync.since", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	return v
}

// Load reads configFile (or the default config file, if one exists),
// decodes it over the defaults, and validates the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Watermark.Backend == WatermarkFile && cfg.Watermark.File == "" {
		cfg.Watermark.File = cfg.DB.Path + ".watermark.json"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{DefaultConfigName}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "highlightsync", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}

	if u, err := url.Parse(c.Readwise.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("readwise.base_url must be an absolute URL")
	}

	if c.Readwise.RequestsPerMinute < 1 {
		return fmt.Errorf("readwise.requests_per_minute must be at least 1")
	}

	if c.Readwise.Timeout <= 0 {
		return fmt.Errorf("readwise.timeout must be positive")
	}

	if c.Readwise.MaxRetries < 0 {
		return fmt.Errorf("readwise.max_retries cannot be negative")
	}

	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}

	if c.Lock.RetryInterval <= 0 {
		return fmt.Errorf("lock.retry_interval must be positive")
	}

	if c.Lock.RetryInterval > c.Lock.Timeout {
		return fmt.Errorf("lock.retry_interval cannot exceed lock.timeout")
	}

	switch c.Watermark.Backend {
	case WatermarkDB, WatermarkFile:
	default:
		return fmt.Errorf("watermark.backend must be %q or %q", WatermarkDB, WatermarkFile)
	}

	switch c.Sync.Mode {
	case ModeDelta, ModeFull:
	default:
		return fmt.Errorf("sync.mode must be %q or %q", ModeDelta, ModeFull)
	}

	if _, err := c.SinceOverride(); err != nil {
		return err
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

// ErrMissingToken is returned by ValidateSource when no API token is set.
var ErrMissingToken = errors.New("readwise.token is required (set " + EnvPrefix + "_READWISE_TOKEN)")

// ValidateSource checks the settings needed to talk to the remote service.
func (c *Config) ValidateSource() error {
	if c.Readwise.Token == "" {
		return ErrMissingToken
	}
	return nil
}

// SinceOverride returns the configured sync.since time, or nil when unset.
func (c *Config) SinceOverride() (*time.Time, error) {
	if c.Sync.Since == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.Sync.Since)
	if err != nil {
		return nil, fmt.Errorf("sync.since must be RFC3339: %w", err)
	}
	return &t, nil
}

// LoggerConfig adapts the log section for the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Pretty: c.Log.Pretty,
		File:   c.Log.File,
	}
}
