// Package config loads and validates SDK configuration from YAML. Secrets
// never live in the file itself: the API key is referenced indirectly
// through an environment variable name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
)

// Config is the complete SDK configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Log      LogConfig      `yaml:"log"`
	Push     PushConfig     `yaml:"push"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Renewal  RenewalConfig  `yaml:"renewal"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PlatformConfig identifies the platform endpoint and credentials.
type PlatformConfig struct {
	URL string `yaml:"url"`
	// APIKeyEnv names the environment variable holding the API key so
	// the key itself stays out of config files.
	APIKeyEnv string   `yaml:"api_key_env"`
	Scopes    []string `yaml:"scopes,omitempty"`
}

// APIKey resolves the API key from the configured environment variable.
func (p PlatformConfig) APIKey() (string, error) {
	key := os.Getenv(p.APIKeyEnv)
	if key == "" {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: environment variable %s empty", errors.ErrMissingConfig, p.APIKeyEnv),
			"Config", "APIKey", "resolve API key")
	}
	return key, nil
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// PushConfig tunes the push channel.
type PushConfig struct {
	Source           string        `yaml:"source,omitempty"`
	PublishTTLMs     int           `yaml:"publish_ttl_ms"`
	ReconnectWait    time.Duration `yaml:"reconnect_wait"`
	MaxReconnectWait time.Duration `yaml:"max_reconnect_wait"`
}

// MailboxConfig tunes the polled channel.
type MailboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	IDPrefix string        `yaml:"id_prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl"`
}

// RenewalConfig tunes subscription renewal.
type RenewalConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// BridgeConfig configures the optional NATS forwarder.
type BridgeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
	Stream        string `yaml:"stream,omitempty"` // non-empty enables JetStream
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Default returns a config with every tunable at its default. Platform URL
// and API key env have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			APIKeyEnv: "AMPP_API_KEY",
			Scopes:    []string{"platform"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Push: PushConfig{
			Source:           "go-ampp-sdk",
			PublishTTLMs:     3000,
			ReconnectWait:    time.Second,
			MaxReconnectWait: time.Minute,
		},
		Mailbox: MailboxConfig{
			IDPrefix: "go-ampp-sdk",
			TTL:      2 * time.Minute,
		},
		Renewal: RenewalConfig{
			Interval: 60 * time.Second,
		},
		Bridge: BridgeConfig{
			SubjectPrefix: "ampp",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or contradictory values.
func (c *Config) Validate() error {
	var problems []string

	if c.Platform.URL == "" {
		problems = append(problems, "platform.url is required")
	} else if !strings.HasPrefix(c.Platform.URL, "http://") && !strings.HasPrefix(c.Platform.URL, "https://") {
		problems = append(problems, "platform.url must be an http(s) URL")
	}
	if c.Platform.APIKeyEnv == "" {
		problems = append(problems, "platform.api_key_env is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q not one of text, json", c.Log.Format))
	}

	if c.Push.PublishTTLMs <= 0 {
		problems = append(problems, "push.publish_ttl_ms must be positive")
	}
	if c.Push.ReconnectWait <= 0 || c.Push.MaxReconnectWait < c.Push.ReconnectWait {
		problems = append(problems, "push reconnect waits must be positive and ordered")
	}
	if c.Mailbox.TTL <= 0 {
		problems = append(problems, "mailbox.ttl must be positive")
	}
	if c.Renewal.Interval <= 0 {
		problems = append(problems, "renewal.interval must be positive")
	}
	if c.Bridge.Enabled && c.Bridge.URL == "" {
		problems = append(problems, "bridge.url is required when the bridge is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, "metrics.port must be a valid port")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}
