// Package config loads and watches the engine configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ProjectConfig configures one sync target.
type ProjectConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Repo    string `mapstructure:"repo" yaml:"repo"` // owner/name on the remote tracker
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	ServiceToken string            `mapstructure:"service_token" yaml:"service_token,omitempty"`
	UserTokens   map[string]string `mapstructure:"user_tokens" yaml:"user_tokens,omitempty"`

	MaxRequests  int `mapstructure:"max_requests" yaml:"max_requests"`
	Reserve      int `mapstructure:"reserve" yaml:"reserve"`
	MaxMutations int `mapstructure:"max_mutations" yaml:"max_mutations"`
}

// Scope returns the correlation scope for the project's remote tracker.
func (p ProjectConfig) Scope() string {
	base := strings.TrimPrefix(strings.TrimPrefix(p.BaseURL, "https://"), "http://")
	return strings.TrimSuffix(base, "/") + "/" + p.Repo
}

// DashboardConfig configures the optional live dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures daemon log rotation.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config is the full engine configuration.
type Config struct {
	Database     string          `mapstructure:"database" yaml:"database"`
	SyncInterval time.Duration   `mapstructure:"sync_interval" yaml:"sync_interval"`
	Projects     []ProjectConfig `mapstructure:"projects" yaml:"projects"`
	Dashboard    DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log          LogConfig       `mapstructure:"log" yaml:"log"`
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive (got %s)", c.SyncInterval)
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("at least one project is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("projects[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("projects[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Repo == "" {
			return fmt.Errorf("project %s: repo is required", p.ID)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("project %s: base_url is required", p.ID)
		}
	}
	return nil
}

// YAML renders the configuration for display. Tokens are redacted.
func (c *Config) YAML() (string, error) {
	redacted := *c
	redacted.Projects = make([]ProjectConfig, len(c.Projects))
	for i, p := range c.Projects {
		if p.ServiceToken != "" {
			p.ServiceToken = "<redacted>"
		}
		if len(p.UserTokens) > 0 {
			users := make(map[string]string, len(p.UserTokens))
			for u := range p.UserTokens {
				users[u] = "<redacted>"
			}
			p.UserTokens = users
		}
		redacted.Projects[i] = p
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(data), nil
}

// Loader loads the configuration file and watches it for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader for the given config file. An empty path falls
// back to imsync.yaml in the working directory.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("imsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/imsync")
	}
	v.SetEnvPrefix("IMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database", "imsync.db")
	v.SetDefault("sync_interval", "5m")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "localhost:8372")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	return &Loader{v: v}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.v.ConfigFileUsed(), err)
	}
	return &cfg, nil
}

// Watch re-loads the configuration whenever the file changes and hands the
// result to onChange. Invalid edits are dropped; the previous configuration
// stays in effect.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Path returns the config file actually in use.
func (l *Loader) Path() string {
	return l.v.ConfigFileUsed()
}
