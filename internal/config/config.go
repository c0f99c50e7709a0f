// Package config loads the admin backend configuration from a YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the backend configuration.
type Config struct {
	Addr      string `yaml:"addr"`
	Database  string `yaml:"database"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	GitHub struct {
		BaseURL   string            `yaml:"base_url"`
		Branch    string            `yaml:"branch"`
		Ref       string            `yaml:"ref"`
		Workflows map[string]string `yaml:"workflows"`
	} `yaml:"github"`

	WeWeURL    string        `yaml:"wewe_url"`
	SessionTTL time.Duration `yaml:"session_ttl"`

	Watch struct {
		Interval time.Duration `yaml:"interval"`
		Horizon  time.Duration `yaml:"horizon"`
	} `yaml:"watch"`

	Summary struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"summary"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	c := &Config{
		Addr:       ":8080",
		Database:   "digestdesk.db",
		LogLevel:   "info",
		LogFormat:  "text",
		SessionTTL: 7 * 24 * time.Hour,
	}
	c.Summary.Provider = "anthropic"
	return c
}

// env maps environment variables onto fields.
var env = []struct {
	name string
	set  func(c *Config, v string)
}{
	{"DIGESTDESK_ADDR", func(c *Config, v string) { c.Addr = v }},
	{"DIGESTDESK_DATABASE", func(c *Config, v string) { c.Database = v }},
	{"DIGESTDESK_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"DIGESTDESK_LOG_FORMAT", func(c *Config, v string) { c.LogFormat = v }},
	{"DIGESTDESK_GITHUB_API", func(c *Config, v string) { c.GitHub.BaseURL = v }},
	{"DIGESTDESK_GITHUB_BRANCH", func(c *Config, v string) { c.GitHub.Branch = v }},
	{"DIGESTDESK_WEWE_URL", func(c *Config, v string) { c.WeWeURL = v }},
	{"DIGESTDESK_SUMMARY_PROVIDER", func(c *Config, v string) { c.Summary.Provider = v }},
}

// Load reads path (when not empty) over the defaults and applies
// environment overrides. A missing file is an error only when required is
// true.
func Load(path string, required bool) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !required:
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}
	for _, e := range env {
		if v, ok := os.LookupEnv(e.name); ok && v != "" {
			e.set(c, v)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the values Load cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: want text or json, got %q", c.LogFormat)
	}
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.Database == "" {
		return errors.New("database must not be empty")
	}
	if c.SessionTTL < 0 {
		return errors.New("session_ttl must not be negative")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
