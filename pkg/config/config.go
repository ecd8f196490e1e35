// Package config handles reading and writing the client's config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure of ~/.agentdeck/config.yaml.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Timing   TimingConfig `yaml:"timing"`
	Compat   CompatConfig `yaml:"compat"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig locates the agent server.
type ServerConfig struct {
	URL         string `yaml:"url"`          // e.g. http://localhost:8080
	ChannelPath string `yaml:"channel_path"` // websocket endpoint path
}

// TimingConfig holds intervals in seconds.
type TimingConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	PingTimeout       int `yaml:"ping_timeout"`
	StatusPoll        int `yaml:"status_poll"`
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// CompatConfig gates behavior kept for older servers.
type CompatConfig struct {
	// LegacyStreamMatch matches streaming chunks without a message id
	// against the last still-streaming message.
	LegacyStreamMatch bool `yaml:"legacy_stream_match"`
}

const configDir = ".agentdeck"
const configFile = "config.yaml"

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:         "http://localhost:8080",
			ChannelPath: "/api/channel",
		},
		Timing: TimingConfig{
			HeartbeatInterval: 15,
			PingTimeout:       5,
			StatusPoll:        10,
			ReconnectAttempts: 5,
		},
		LogLevel: "info",
	}
}

// DefaultPath returns ~/.agentdeck/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(configDir, configFile)
	}
	return filepath.Join(home, configDir, configFile)
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Malformed YAML is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Write writes cfg to path, creating parent directories as needed.
func Write(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ChannelURL derives the websocket endpoint from the server URL.
func (c *Config) ChannelURL() string {
	u := c.Server.URL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + c.Server.ChannelPath
}
