/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults below
  2. YAML file (optional, default config.yml)
  3. Environment variables prefixed MERITS_, with dots as underscores
     (MERITS_DATABASE_DSN, MERITS_ENGINE_TIMEZONE, ...)

Command-line flags are applied on top by cmd/server.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Digest   DigestConfig   `mapstructure:"digest"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres | memory
	DSN    string `mapstructure:"dsn"`
}

type EngineConfig struct {
	Timezone   string `mapstructure:"timezone"`
	ResetHour  int    `mapstructure:"reset_hour"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type DigestConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	Weekday      int  `mapstructure:"weekday"` // 0 = Sunday ... 6 = Saturday
	Hour         int  `mapstructure:"hour"`
	LookbackDays int  `mapstructure:"lookback_days"`
}

type LogConfig struct {
	Environment string `mapstructure:"environment"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "merits.db")
	v.SetDefault("engine.timezone", "Europe/London")
	v.SetDefault("engine.reset_hour", 2)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("digest.enabled", false)
	v.SetDefault("digest.weekday", 3)
	v.SetDefault("digest.hour", 14)
	v.SetDefault("digest.lookback_days", 7)
	v.SetDefault("log.environment", "development")
}

// Load reads configuration from path. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MERITS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, fmt.Errorf("failed to read config %s -> %w", path, err)
			}
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("failed to decode config -> %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.ResetHour < 0 || c.Engine.ResetHour > 23 {
		return fmt.Errorf("engine.reset_hour must be 0-23, got %d", c.Engine.ResetHour)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be non-negative")
	}
	if c.Digest.Weekday < 0 || c.Digest.Weekday > 6 || c.Digest.Hour < 0 || c.Digest.Hour > 23 {
		return fmt.Errorf("digest weekday must be 0-6 and hour 0-23")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves engine.timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid engine.timezone %q -> %w", c.Engine.Timezone, err)
	}
	return loc, nil
}

// DigestLookback is the digest period as a duration.
func (c *Config) DigestLookback() time.Duration {
	days := c.Digest.LookbackDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// viper reports a missing explicit config file as an fs error, not
// ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
