package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"eq3bt-home/internal/thermostat"
)

type Config struct {
	Thermostat struct {
		Address           string `yaml:"address"`
		ConnectionTimeout string `yaml:"connection_timeout"`
		CommandTimeout    string `yaml:"command_timeout"`
	} `yaml:"thermostat"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path      string `yaml:"path"`
		Retention string `yaml:"retention"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Thermostat.Address == "" {
		return fmt.Errorf("thermostat.address is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := c.thermostatConfig(); err != nil {
		return err
	}
	if c.Store.Retention != "" {
		if _, err := time.ParseDuration(c.Store.Retention); err != nil {
			return fmt.Errorf("invalid store.retention: %w", err)
		}
	}
	return nil
}

// thermostatConfig parses the timeout strings into a thermostat config.
func (c *Config) thermostatConfig() (thermostat.Config, error) {
	var cfg thermostat.Config
	if c.Thermostat.ConnectionTimeout != "" {
		d, err := time.ParseDuration(c.Thermostat.ConnectionTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid thermostat.connection_timeout: %w", err)
		}
		cfg.ConnectionTimeout = d
	}
	if c.Thermostat.CommandTimeout != "" {
		d, err := time.ParseDuration(c.Thermostat.CommandTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid thermostat.command_timeout: %w", err)
		}
		cfg.CommandTimeout = d
	}
	return cfg, nil
}

// retention returns the sample retention window, zero when pruning is off.
func (c *Config) retention() time.Duration {
	if c.Store.Retention == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Store.Retention)
	return d
}

// deviceID derives the MQTT node id from the BLE address.
func (c *Config) deviceID() string {
	return strings.ToLower(strings.ReplaceAll(c.Thermostat.Address, ":", ""))
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "eq3bt-home.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "eq3bt/" + cfg.deviceID()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
