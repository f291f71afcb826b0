package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig holds cvctl configuration (profiles with endpoints and secrets).
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles" mapstructure:"profiles"`
	Defaults       *CLIProfile            `yaml:"defaults" mapstructure:"defaults"`
	path           string
}

// CLIProfile holds the endpoints and credentials for one environment.
type CLIProfile struct {
	IngestURL     string `yaml:"ingest_url" mapstructure:"ingest_url"`
	ProcessorURL  string `yaml:"processor_url" mapstructure:"processor_url"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	AccessToken   string `yaml:"access_token" mapstructure:"access_token"`
}

// DefaultCLI returns a config with local endpoints.
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
		Defaults: &CLIProfile{
			IngestURL:    "http://localhost:8088",
			ProcessorURL: "http://localhost:8090",
		},
	}
}

// LoadCLI loads configuration for cvctl.
// Uses $HOME/.cvctl as the default CVCTL_CONFIG_DIR if not set.
func LoadCLI() (*CLIConfig, error) {
	v := viper.New()

	v.SetDefault("current_profile", "default")
	v.SetDefault("defaults.ingest_url", "http://localhost:8088")
	v.SetDefault("defaults.processor_url", "http://localhost:8090")

	configDir := os.Getenv("CVCTL_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".cvctl")
	}

	configPath := filepath.Join(configDir, "config.yaml")
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CVCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Viper needs explicit bindings for nested keys.
	_ = v.BindEnv("defaults.ingest_url", "CVCTL_INGEST_URL")
	_ = v.BindEnv("defaults.processor_url", "CVCTL_PROCESSOR_URL")
	_ = v.BindEnv("defaults.webhook_secret", "CVCTL_WEBHOOK_SECRET")
	_ = v.BindEnv("defaults.access_token", "CVCTL_ACCESS_TOKEN")

	// The file may not exist yet.
	_ = v.ReadInConfig()

	cfg := DefaultCLI()
	cfg.path = configPath

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*CLIProfile)
	}
	return cfg, nil
}

// Profile returns the named profile merged over the defaults. An empty
// name selects the current profile.
func (c *CLIConfig) Profile(name string) CLIProfile {
	if name == "" {
		name = c.CurrentProfile
	}
	var out CLIProfile
	if c.Defaults != nil {
		out = *c.Defaults
	}
	p, ok := c.Profiles[name]
	if !ok || p == nil {
		return out
	}
	if p.IngestURL != "" {
		out.IngestURL = p.IngestURL
	}
	if p.ProcessorURL != "" {
		out.ProcessorURL = p.ProcessorURL
	}
	if p.WebhookSecret != "" {
		out.WebhookSecret = p.WebhookSecret
	}
	if p.AccessToken != "" {
		out.AccessToken = p.AccessToken
	}
	return out
}

// SetProfile stores p under name.
func (c *CLIConfig) SetProfile(name string, p *CLIProfile) {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	c.Profiles[name] = p
}

// Path returns the file the config was loaded from.
func (c *CLIConfig) Path() string {
	return c.path
}

// Save writes the config back to its file with owner-only permissions.
func (c *CLIConfig) Save() error {
	if c.path == "" {
		return fmt.Errorf("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
