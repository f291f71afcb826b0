// Package config holds the configuration sections shared by the pipeline
// services and the viper plumbing every service loader is built on.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/cvanalytics/pipeline/common/database"
	natsclient "github.com/cvanalytics/pipeline/common/messaging/nats"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	MaxConnLife    time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate        bool          `mapstructure:"migrate"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// Pool converts the section into pool settings.
func (d DatabaseConfig) Pool() database.PoolConfig {
	return database.PoolConfig{
		URL:             d.URL,
		MaxConns:        d.MaxConns,
		MinConns:        d.MinConns,
		MaxConnLifetime: d.MaxConnLife,
	}
}

// MigrationsURL returns the golang-migrate source URL for MigrationsPath.
func (d DatabaseConfig) MigrationsURL() string {
	if strings.Contains(d.MigrationsPath, "://") {
		return d.MigrationsPath
	}
	return "file://" + d.MigrationsPath
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// Client converts the section into NATS client settings for the named service.
func (n NATSConfig) Client(name string) natsclient.Config {
	cfg := natsclient.DefaultConfig()
	cfg.Name = name
	if n.URL != "" {
		cfg.URL = n.URL
	}
	if n.MaxReconnects != 0 {
		cfg.MaxReconnects = n.MaxReconnects
	}
	if n.ReconnectWait > 0 {
		cfg.ReconnectWait = n.ReconnectWait
	}
	return cfg
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// Options parses URL and applies the pool settings.
func (r RedisConfig) Options() (*redis.Options, error) {
	opt, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if r.MaxRetries > 0 {
		opt.MaxRetries = r.MaxRetries
	}
	if r.PoolSize > 0 {
		opt.PoolSize = r.PoolSize
	}
	return opt, nil
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewViper returns a viper instance reading env vars with the given prefix.
// Nested keys map to PREFIX_SECTION_KEY.
func NewViper(envPrefix string) *viper.Viper {
	v := viper.New()
	SetSharedDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// SetSharedDefaults sets defaults for the shared sections.
func SetSharedDefaults(v *viper.Viper) {
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "5m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// ReadInto reads configPath (or config.yaml from searchPaths when empty) and
// unmarshals into out. A missing config file is not an error.
func ReadInto(v *viper.Viper, configPath string, out any, searchPaths ...string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
