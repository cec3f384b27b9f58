// Package config loads runtime configuration: built-in defaults, then an
// optional YAML file, then ROSTERSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// ROSTERSYNC_ENGINE_WORKERS.
const EnvPrefix = "rostersync"

// Config is the full runtime configuration.
type Config struct {
	DatabasePath string `yaml:"databasePath" split_words:"true"`
	PolicyFile   string `yaml:"policyFile"   split_words:"true"`

	// ListenAddr serves /metrics and the intake endpoints. Empty disables
	// the HTTP server.
	ListenAddr string `yaml:"listenAddr" split_words:"true"`
	LogFormat  string `yaml:"logFormat"  split_words:"true"`
	LogLevel   string `yaml:"logLevel"   split_words:"true"`

	// ShutdownTimeout bounds how long run waits for in-flight work after a
	// signal.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`

	Engine EngineConfig `yaml:"engine"`
	Roster RosterConfig `yaml:"roster"`
	Chat   ChatConfig   `yaml:"chat"`
	Dedupe DedupeConfig `yaml:"dedupe"`
}

// EngineConfig tunes reconciliation workers and action retries.
type EngineConfig struct {
	Workers         int           `yaml:"workers"`
	MaxAttempts     int           `yaml:"maxAttempts"     split_words:"true"`
	InitialBackoff  time.Duration `yaml:"initialBackoff"  split_words:"true"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"      split_words:"true"`
	CallTimeout     time.Duration `yaml:"callTimeout"     split_words:"true"`
	ConflictRetries int           `yaml:"conflictRetries" split_words:"true"`
}

// RosterConfig configures the game roster poller. An empty URL disables
// polling.
type RosterConfig struct {
	URL         string        `yaml:"url"`
	Interval    time.Duration `yaml:"interval"`
	ResyncEvery int           `yaml:"resyncEvery" split_words:"true"`
	HTTPRetries int           `yaml:"httpRetries" split_words:"true"`
	HTTPTimeout time.Duration `yaml:"httpTimeout" split_words:"true"`
}

// ChatConfig configures the chat platform REST adapter. Roles maps policy
// role names to platform role ids.
type ChatConfig struct {
	APIBase string            `yaml:"apiBase" split_words:"true"`
	Token   string            `yaml:"token"`
	GuildID string            `yaml:"guildId" split_words:"true"`
	Roles   map[string]string `yaml:"roles"`
}

// DedupeConfig bounds the dedupe key log.
type DedupeConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"pruneInterval" split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath:    "rostersync.db",
		ListenAddr:      ":9464",
		LogFormat:       "text",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Engine: EngineConfig{
			Workers:         4,
			MaxAttempts:     5,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			CallTimeout:     10 * time.Second,
			ConflictRetries: 3,
		},
		Roster: RosterConfig{
			Interval:    10 * time.Second,
			ResyncEvery: 60,
			HTTPRetries: 3,
			HTTPTimeout: 15 * time.Second,
		},
		Chat: ChatConfig{
			APIBase: "https://discord.com/api/v10",
		},
		Dedupe: DedupeConfig{
			Retention:     24 * time.Hour,
			PruneInterval: time.Hour,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("databasePath is required"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logFormat %q must be text or json", c.LogFormat))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logLevel %q must be debug, info, warn or error", c.LogLevel))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, errors.New("engine.workers must be at least 1"))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, errors.New("engine.maxAttempts must be at least 1"))
	}
	if c.Engine.MaxBackoff < c.Engine.InitialBackoff {
		errs = append(errs, errors.New("engine.maxBackoff must not be below engine.initialBackoff"))
	}
	if c.Engine.CallTimeout <= 0 {
		errs = append(errs, errors.New("engine.callTimeout must be positive"))
	}
	if c.Roster.URL != "" && c.Roster.Interval <= 0 {
		errs = append(errs, errors.New("roster.interval must be positive"))
	}
	if c.Chat.Token != "" && c.Chat.GuildID == "" {
		errs = append(errs, errors.New("chat.guildId is required with chat.token"))
	}
	if c.Dedupe.Retention <= 0 {
		errs = append(errs, errors.New("dedupe.retention must be positive"))
	}
	if c.Dedupe.PruneInterval <= 0 {
		errs = append(errs, errors.New("dedupe.pruneInterval must be positive"))
	}
	return errors.Join(errs...)
}
