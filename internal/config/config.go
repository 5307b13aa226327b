// Package config handles dispatch configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all dispatch configuration.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Resolver ResolverConfig `mapstructure:"resolver"`
	Sessions SessionConfig  `mapstructure:"sessions"`
	Plugins  PluginConfig   `mapstructure:"plugins"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Invoker  InvokerConfig  `mapstructure:"invoker"`
}

// ResolverConfig holds function resolution settings.
type ResolverConfig struct {
	// CacheTTL bounds how long a resolved (settings, descriptor) pair is
	// served without a fresh registry read.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// SharedEndpointID is the alias target for endpoints without a
	// special connection.
	SharedEndpointID string `mapstructure:"shared_endpoint_id"`
}

// SessionConfig holds WebSocket session lifecycle settings.
type SessionConfig struct {
	// Retention is the window after which idle session records are swept.
	Retention time.Duration `mapstructure:"retention"`
}

// PluginConfig holds plugin initialization settings.
type PluginConfig struct {
	// MaxWorkers bounds concurrent plugin initializations.
	MaxWorkers int `mapstructure:"max_workers"`

	// ConfigPath points to an optional YAML plugin configuration document.
	ConfigPath string `mapstructure:"config_path"`
}

// QueueConfig holds queue-drain dispatcher settings.
type QueueConfig struct {
	// RedisAddr is the address of the Redis instance backing task queues.
	RedisAddr string `mapstructure:"redis_addr"`

	// MaxMessages bounds how many messages one drain cycle receives.
	MaxMessages int `mapstructure:"max_messages"`

	// CompletionFunct is dispatched once a queue is fully drained.
	CompletionFunct string `mapstructure:"completion_funct"`

	// AlertChannel receives best-effort failure traces.
	AlertChannel string `mapstructure:"alert_channel"`
}

// InvokerConfig holds remote invocation transport settings.
type InvokerConfig struct {
	// BaseURL is the worker fleet endpoint that remote invocations are
	// posted to.
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".dispatchd")

	return &Config{
		DataDir:   dataDir,
		LogLevel:  "info",
		LogFormat: "json",

		Resolver: ResolverConfig{
			CacheTTL:         300 * time.Second,
			SharedEndpointID: "1",
		},

		Sessions: SessionConfig{
			Retention: 24 * time.Hour,
		},

		Plugins: PluginConfig{
			MaxWorkers: 5,
		},

		Queue: QueueConfig{
			RedisAddr:       "localhost:6379",
			MaxMessages:     10,
			CompletionFunct: "updateSyncTask",
			AlertChannel:    "dispatch:alerts",
		},

		Invoker: InvokerConfig{
			BaseURL: "http://localhost:9001",
			Timeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("dispatchd")
	v.SetConfigType("yaml")

	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".dispatchd"))
	v.AddConfigPath("/etc/dispatchd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.Plugins.ConfigPath = expandPath(cfg.Plugins.ConfigPath)

	return cfg, nil
}

// DatabasePath returns the path to the SQLite registry database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "dispatch.db")
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.DataDir, 0700)
}
