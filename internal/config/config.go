package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.plansync/config.toml.
type Config struct {
	DataDir string `toml:"data_dir"`
	UserID  string `toml:"user_id"`

	Remote       Remote       `toml:"remote"`
	Feed         Feed         `toml:"feed"`
	Presence     Presence     `toml:"presence"`
	Subscription Subscription `toml:"subscription"`
}

// Remote holds the data service connection settings.
type Remote struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// Feed holds the change feed websocket settings.
type Feed struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// Presence holds typing presence timing, in milliseconds.
type Presence struct {
	IdleTimeoutMS int `toml:"idle_timeout_ms"`
	StalenessMS   int `toml:"staleness_ms"`
}

// Subscription holds feed retry timing, in milliseconds.
type Subscription struct {
	SubscribeTimeoutMS int `toml:"subscribe_timeout_ms"`
	BackoffInitialMS   int `toml:"backoff_initial_ms"`
	BackoffMaxMS       int `toml:"backoff_max_ms"`
	BackoffBudgetMS    int `toml:"backoff_budget_ms"`
}

// Default returns a config with the standard data directory.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{DataDir: filepath.Join(home, ".plansync")}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = Default().DataDir
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".plansync", "config.toml")
}

// DBPath returns the sqlite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "plansync.db")
}

// LogPath returns the log file path under the data directory.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "plansync.log")
}

// RemoteTimeout returns the data service timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutMS) * time.Millisecond
}

// PresenceIdleTimeout returns the typing idle window as a duration.
func (c *Config) PresenceIdleTimeout() time.Duration {
	return time.Duration(c.Presence.IdleTimeoutMS) * time.Millisecond
}

// PresenceStaleness returns the remote signal staleness threshold as a duration.
func (c *Config) PresenceStaleness() time.Duration {
	return time.Duration(c.Presence.StalenessMS) * time.Millisecond
}

// SubscriptionConfig converts the millisecond fields to durations. Zero
// values fall through to the subscription manager's defaults.
func (c *Config) SubscriptionConfig() (subscribeTimeout, initial, max, budget time.Duration) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return ms(c.Subscription.SubscribeTimeoutMS),
		ms(c.Subscription.BackoffInitialMS),
		ms(c.Subscription.BackoffMaxMS),
		ms(c.Subscription.BackoffBudgetMS)
}
