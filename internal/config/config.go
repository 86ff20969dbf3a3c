// Package config loads keepsync settings from a YAML file, environment
// variables, and defaults, in that order of increasing precedence for
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// KEEPSYNC_PROVIDER_CALENDAR_ID.
const EnvPrefix = "KEEPSYNC"

// Config is the full daemon configuration.
type Config struct {
	OwnerID string `mapstructure:"owner_id" yaml:"owner_id"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Backend  BackendConfig  `mapstructure:"backend" yaml:"backend"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type DatabaseConfig struct {
	// Path is a local SQLite file or a libsql:// URL.
	Path      string `mapstructure:"path" yaml:"path"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

type ProviderConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	CalendarID   string `mapstructure:"calendar_id" yaml:"calendar_id"`
	TaskListID   string `mapstructure:"task_list_id" yaml:"task_list_id"`
	AccessToken  string `mapstructure:"access_token" yaml:"access_token"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
}

type BackendConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	TiePolicy      string        `mapstructure:"tie_policy" yaml:"tie_policy"`
	KillSwitchPath string        `mapstructure:"kill_switch_path" yaml:"kill_switch_path"`
}

type RealtimeConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// DefaultDir returns the keepsync state directory (~/.keepsync).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepsync"
	}
	return filepath.Join(home, ".keepsync")
}

// Load reads configuration. path may be empty, in which case
// ~/.keepsync/config.yaml is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("database.path", filepath.Join(dir, "keepsync.db"))
	v.SetDefault("provider.base_url", "https://www.googleapis.com")
	v.SetDefault("provider.calendar_id", "primary")
	v.SetDefault("provider.task_list_id", "@default")
	v.SetDefault("sync.interval", 3*time.Minute)
	v.SetDefault("sync.debounce", 1500*time.Millisecond)
	v.SetDefault("sync.tie_policy", "no-change")
	v.SetDefault("sync.kill_switch_path", filepath.Join(dir, "sync.disabled"))
	v.SetDefault("realtime.enabled", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Validate checks the fields needed before a sync cycle can run.
func (c *Config) Validate() error {
	if c.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
