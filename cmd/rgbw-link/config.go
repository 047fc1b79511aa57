package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rgbw-link/internal/session"
)

type Config struct {
	Link struct {
		Type string `yaml:"type" toml:"type"` // "serial" or "simulator"
		Port string `yaml:"port" toml:"port"`
		Baud int    `yaml:"baud" toml:"baud"`
	} `yaml:"link" toml:"link"`
	Session struct {
		RequestTimeout string `yaml:"request_timeout" toml:"request_timeout"`
		RenderInterval string `yaml:"render_interval" toml:"render_interval"`
		QueueRequests  bool   `yaml:"queue_requests" toml:"queue_requests"`
		QueueDepth     int    `yaml:"queue_depth" toml:"queue_depth"`
	} `yaml:"session" toml:"session"`
	Web struct {
		Listen         string   `yaml:"listen" toml:"listen"`
		APIKey         string   `yaml:"api_key" toml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	} `yaml:"web" toml:"web"`
	Store struct {
		Path         string `yaml:"path" toml:"path"`
		HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`
	} `yaml:"store" toml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled" toml:"enabled"`
		Broker      string `yaml:"broker" toml:"broker"`
		Username    string `yaml:"username" toml:"username"`
		Password    string `yaml:"password" toml:"password"`
		TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	} `yaml:"mqtt" toml:"mqtt"`
	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"log" toml:"log"`
	ScriptsDir string `yaml:"scripts_dir" toml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Link.Type {
	case "serial":
		if c.Link.Port == "" {
			return fmt.Errorf("link.port is required for the serial link")
		}
		if c.Link.Baud <= 0 {
			return fmt.Errorf("link.baud must be positive, got %d", c.Link.Baud)
		}
	case "simulator":
	default:
		return fmt.Errorf("unknown link.type %q (supported: serial, simulator)", c.Link.Type)
	}
	if _, err := c.sessionConfig(); err != nil {
		return err
	}
	if c.Session.QueueDepth < 0 {
		return fmt.Errorf("session.queue_depth must not be negative")
	}
	if c.Store.HistoryLimit < 0 {
		return fmt.Errorf("store.history_limit must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// sessionConfig converts the session section. Empty durations keep the
// session defaults.
func (c *Config) sessionConfig() (session.Config, error) {
	cfg := session.Config{
		QueueRequests: c.Session.QueueRequests,
		QueueDepth:    c.Session.QueueDepth,
	}
	var err error
	if cfg.RequestTimeout, err = parseDuration("session.request_timeout", c.Session.RequestTimeout); err != nil {
		return session.Config{}, err
	}
	if cfg.RenderInterval, err = parseDuration("session.render_interval", c.Session.RenderInterval); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

// loadConfig reads a YAML or TOML file, picked by extension, and fills in
// defaults.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Link.Type == "" {
		c.Link.Type = "serial"
	}
	if c.Link.Baud == 0 {
		c.Link.Baud = 115200
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "rgbw-link.db"
	}
	if c.Store.HistoryLimit == 0 {
		c.Store.HistoryLimit = 500
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "rgbw"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
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
