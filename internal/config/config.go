// Package config loads and hot-reloads the process configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// GlobalStateDir returns the default state directory (~/.config/ccsched).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "ccsched")
}

// GlobalStateFile returns the default database path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "ccsched.sqlite")
}

// Config is the full process configuration, loaded via viper from
// YAML and env vars (CCSCHED_ prefix), env taking priority over the
// file. The serve command applies its own flags to the loaded Config
// afterwards, outside viper.
type Config struct {
	// DatabasePath is the sqlite file path.
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
	// Host/Port are the HTTP control-plane bind address.
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// AgentPath is the coding-agent binary, resolved against the
	// process working directory if relative.
	AgentPath string `yaml:"agent_path" mapstructure:"agent_path"`
	// Env is passed unchanged to every agent invocation.
	Env map[string]string `yaml:"env" mapstructure:"env"`
	// PollIntervalSeconds is the scheduler's tick period.
	PollIntervalSeconds int `yaml:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	// MaxVerificationRounds caps the worker's verify loop.
	MaxVerificationRounds int `yaml:"max_verification_rounds" mapstructure:"max_verification_rounds"`
	// LogLevel is parsed by zerolog ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// Defaults returns the built-in configuration, matching the defaults
// the original implementation falls back to when unset.
func Defaults() Config {
	return Config{
		DatabasePath:          GlobalStateFile(),
		Host:                  "127.0.0.1",
		Port:                  39512,
		AgentPath:             "claude",
		Env:                   map[string]string{},
		PollIntervalSeconds:   5,
		MaxVerificationRounds: 3,
		LogLevel:              "info",
	}
}

// BindAddress formats host:port for http.Server.Addr.
func (c Config) BindAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PollInterval converts PollIntervalSeconds to a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads path (if it exists) via viper, layers CCSCHED_-prefixed
// environment variable overrides on top, and returns the result
// merged onto Defaults(). A missing path is not an error: the
// defaults (plus any env overrides) are used as-is.
func Load(path string) (Config, error) {
	v := newViper(path)
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("ccsched")
	v.AutomaticEnv()
	d := Defaults()
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("agent_path", d.AgentPath)
	v.SetDefault("poll_interval_seconds", d.PollIntervalSeconds)
	v.SetDefault("max_verification_rounds", d.MaxVerificationRounds)
	v.SetDefault("log_level", d.LogLevel)
	return v
}
