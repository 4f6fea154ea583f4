// Package config loads the diskimage tool configuration with Viper
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config is the decoded configuration
type Config struct {
	Formats FormatsConfig `mapstructure:"formats"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
}

// FormatsConfig controls the detection registry
type FormatsConfig struct {
	// Disabled kinds are reported as unavailable and skipped during detection
	Disabled []string `mapstructure:"disabled"`

	// Order optionally overrides the detection priority. Kinds not listed keep their
	// default relative order after the listed ones; the catch-all always stays last.
	Order []string `mapstructure:"order"`
}

// CacheConfig sizes the per-container decompressed chunk caches
type CacheConfig struct {
	ChunkSizeMB int `mapstructure:"chunk_size_mb"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ChunkCacheBytes converts the configured cache size to bytes
func (c *Config) ChunkCacheBytes() int64 {
	return int64(c.Cache.ChunkSizeMB) * 1024 * 1024
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		Cache: CacheConfig{ChunkSizeMB: 32},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the configuration. When file is empty the usual locations are searched and a
// missing file is fine; an explicit file must exist. Environment variables prefixed with
// DISKIMAGE_ override both (e.g. DISKIMAGE_LOG_LEVEL=debug).
func Load(fs afero.Fs, file string) (*Config, error) {
	v := viper.New()
	if fs != nil {
		v.SetFs(fs)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("diskimage")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.diskimage")
		v.AddConfigPath("/etc/diskimage")
	}

	def := Default()
	v.SetDefault("formats.disabled", []string{})
	v.SetDefault("formats.order", []string{})
	v.SetDefault("cache.chunk_size_mb", def.Cache.ChunkSizeMB)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetEnvPrefix("DISKIMAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that decoding alone cannot
func (c *Config) Validate() error {
	if c.Cache.ChunkSizeMB < 0 {
		return fmt.Errorf("cache.chunk_size_mb must not be negative, got %d", c.Cache.ChunkSizeMB)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// IsDisabled reports whether kind was disabled, compared case-insensitively
func (c *Config) IsDisabled(kind string) bool {
	for _, d := range c.Formats.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), kind) {
			return true
		}
	}
	return false
}
