package seeder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls a seeding run.
type Config struct {
	Source       string        `mapstructure:"source" yaml:"source"`
	Count        int           `mapstructure:"count" yaml:"count"`
	Correlations int           `mapstructure:"correlations" yaml:"correlations"`
	Repositories []string      `mapstructure:"repositories" yaml:"repositories"`
	EventTypes   []string      `mapstructure:"event_types" yaml:"event_types"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	// Seed makes payloads reproducible. Zero seeds from the clock.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// LoadConfig loads configuration with cascade: flags > ./seeder.yaml > ~/.cvctl/seeder.yaml > defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("seeder")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SEEDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cvctl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source", "github")
	v.SetDefault("count", 100)
	v.SetDefault("correlations", 10)
	v.SetDefault("repositories", []string{})
	v.SetDefault("event_types", []string{"issues", "issue_comment", "pull_request", "push"})
	v.SetDefault("concurrency", 4)
	v.SetDefault("interval", 0)
	v.SetDefault("seed", 0)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if c.Correlations <= 0 {
		return fmt.Errorf("correlations must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if len(c.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, et := range c.EventTypes {
		if !knownEventType(et) {
			return fmt.Errorf("unknown event type %q", et)
		}
	}
	return nil
}
