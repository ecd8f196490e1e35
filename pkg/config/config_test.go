package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "http://localhost:8080" {
		t.Errorf("server url = %q", cfg.Server.URL)
	}
	if cfg.Timing.HeartbeatInterval != 15 || cfg.Timing.ReconnectAttempts != 5 {
		t.Errorf("unexpected timing defaults %+v", cfg.Timing)
	}
	if cfg.Compat.LegacyStreamMatch {
		t.Error("legacy stream matching must default off")
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.URL = "https://agents.example.com"
	cfg.Timing.StatusPoll = 30
	cfg.Compat.LegacyStreamMatch = true
	cfg.LogLevel = "debug"
	if err := Write(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.URL != "https://agents.example.com" {
		t.Errorf("server url = %q", loaded.Server.URL)
	}
	if loaded.Timing.StatusPoll != 30 {
		t.Errorf("status poll = %d", loaded.Timing.StatusPoll)
	}
	if !loaded.Compat.LegacyStreamMatch {
		t.Error("compat flag lost in round trip")
	}
	if loaded.LogLevel != "debug" {
		t.Errorf("log level = %q", loaded.LogLevel)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "server:\n  url: http://other:9000\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "http://other:9000" {
		t.Errorf("server url = %q", cfg.Server.URL)
	}
	if cfg.Timing.PingTimeout != 5 {
		t.Errorf("unset fields must keep defaults, ping timeout = %d", cfg.Timing.PingTimeout)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must be an error, not silent defaults")
	}
}

func TestChannelURL(t *testing.T) {
	cases := []struct {
		url, path, want string
	}{
		{"http://localhost:8080", "/api/channel", "ws://localhost:8080/api/channel"},
		{"https://agents.example.com", "/api/channel", "wss://agents.example.com/api/channel"},
		{"http://localhost:8080/", "/api/channel", "ws://localhost:8080/api/channel"},
	}
	for _, tc := range cases {
		cfg := &Config{Server: ServerConfig{URL: tc.url, ChannelPath: tc.path}}
		if got := cfg.ChannelURL(); got != tc.want {
			t.Errorf("ChannelURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
