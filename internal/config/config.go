// Package config loads localsync configuration.
//
// Values are resolved in this order, later sources winning: built-in
// defaults, the config file, LSYNC_* environment variables, then command
// line flags. Nested keys map to environment variables with dots replaced
// by underscores, so queue.max_retries is LSYNC_QUEUE_MAX_RETRIES.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "LSYNC"

// Config holds all application configuration
type Config struct {
	DataDir      string    `mapstructure:"data_dir" toml:"data_dir"`
	RemoteURL    string    `mapstructure:"remote_url" toml:"remote_url"`
	Collections  []string  `mapstructure:"collections" toml:"collections"`
	MultiProcess bool      `mapstructure:"multi_process" toml:"multi_process"`
	Queue        Queue     `mapstructure:"queue" toml:"queue"`
	Feed         Feed      `mapstructure:"feed" toml:"feed"`
	Probe        Probe     `mapstructure:"probe" toml:"probe"`
	Reconcile    Reconcile `mapstructure:"reconcile" toml:"reconcile"`
	Log          Log       `mapstructure:"log" toml:"log"`
	Dashboard    Dashboard `mapstructure:"dashboard" toml:"dashboard"`
	Serve        Serve     `mapstructure:"serve" toml:"serve"`
}

// Queue configures outbound retry behavior.
type Queue struct {
	MaxRetries int           `mapstructure:"max_retries" toml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" toml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" toml:"max_delay"`
	BatchSize  int           `mapstructure:"batch_size" toml:"batch_size"`
}

// Feed configures change feed resubscription.
type Feed struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" toml:"max_backoff"`
}

// Probe configures the connectivity health check.
type Probe struct {
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// Reconcile configures full reconciliation.
type Reconcile struct {
	ProtectPending bool `mapstructure:"protect_pending" toml:"protect_pending"`
}

// Log configures log output. An empty File logs to stderr.
type Log struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
}

// Dashboard configures the live dashboard. Port 0 disables it.
type Dashboard struct {
	Port int `mapstructure:"port" toml:"port"`
}

// Serve configures the authoritative store server.
type Serve struct {
	Addr string `mapstructure:"addr" toml:"addr"`
	DB   string `mapstructure:"db" toml:"db"`
}

// Defaults returns the built-in defaults as viper keys.
func Defaults() map[string]any {
	return map[string]any{
		"data_dir":                  ".localsync",
		"remote_url":                "http://127.0.0.1:8700",
		"collections":               []string{"users"},
		"multi_process":             true,
		"queue.max_retries":         0,
		"queue.base_delay":          time.Second,
		"queue.max_delay":           time.Minute,
		"queue.batch_size":          50,
		"feed.initial_backoff":      500 * time.Millisecond,
		"feed.max_backoff":          30 * time.Second,
		"probe.interval":            time.Second,
		"probe.timeout":             3 * time.Second,
		"reconcile.protect_pending": true,
		"log.file":                  "",
		"log.max_size_mb":           10,
		"log.max_backups":           3,
		"dashboard.port":            0,
		"serve.addr":                "127.0.0.1:8700",
		"serve.db":                  "remote.db",
	}
}

var flagName = strings.NewReplacer(".", "-", "_", "-")

// Load reads configuration. path may be empty, in which case
// <data_dir>/config.yaml is used if it exists. flags may be nil; a flag
// named like a key with dots and underscores replaced by dashes
// (queue-max-retries) is bound to that key when present.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key := range Defaults() {
			if f := flags.Lookup(flagName.Replace(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(v.GetString("data_dir"), "config.yaml")
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the Config has usable values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	for _, name := range c.Collections {
		if name == "" || strings.ContainsAny(name, "/\\ ") {
			return fmt.Errorf("invalid collection name %q", name)
		}
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	return nil
}

// DatabasePath returns the local cache file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "localsync.db")
}

// TOML renders the effective configuration.
func (c *Config) TOML() (string, error) {
	// Durations render as strings so the output reads back as config.
	type queueView struct {
		MaxRetries int    `toml:"max_retries"`
		BaseDelay  string `toml:"base_delay"`
		MaxDelay   string `toml:"max_delay"`
		BatchSize  int    `toml:"batch_size"`
	}
	type feedView struct {
		InitialBackoff string `toml:"initial_backoff"`
		MaxBackoff     string `toml:"max_backoff"`
	}
	type probeView struct {
		Interval string `toml:"interval"`
		Timeout  string `toml:"timeout"`
	}
	view := struct {
		DataDir      string    `toml:"data_dir"`
		RemoteURL    string    `toml:"remote_url"`
		Collections  []string  `toml:"collections"`
		MultiProcess bool      `toml:"multi_process"`
		Queue        queueView `toml:"queue"`
		Feed         feedView  `toml:"feed"`
		Probe        probeView `toml:"probe"`
		Reconcile    Reconcile `toml:"reconcile"`
		Log          Log       `toml:"log"`
		Dashboard    Dashboard `toml:"dashboard"`
		Serve        Serve     `toml:"serve"`
	}{
		DataDir:      c.DataDir,
		RemoteURL:    c.RemoteURL,
		Collections:  c.Collections,
		MultiProcess: c.MultiProcess,
		Queue: queueView{
			MaxRetries: c.Queue.MaxRetries,
			BaseDelay:  c.Queue.BaseDelay.String(),
			MaxDelay:   c.Queue.MaxDelay.String(),
			BatchSize:  c.Queue.BatchSize,
		},
		Feed: feedView{
			InitialBackoff: c.Feed.InitialBackoff.String(),
			MaxBackoff:     c.Feed.MaxBackoff.String(),
		},
		Probe: probeView{
			Interval: c.Probe.Interval.String(),
			Timeout:  c.Probe.Timeout.String(),
		},
		Reconcile: c.Reconcile,
		Log:       c.Log,
		Dashboard: c.Dashboard,
		Serve:     c.Serve,
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(view); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.String(), nil
}
