// Package config loads the storychat client configuration from a TOML file
// with STORYCHAT_SECTION_KEY environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/storychat/pkg/client"
)

// DefaultPath is where the config file lives unless --config says otherwise
const DefaultPath = "~/.storychat/config.toml"

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Reconnect ReconnectSection `toml:"reconnect"`
	Chat      ChatSection      `toml:"chat"`
	State     StateSection     `toml:"state"`
	Metrics   MetricsSection   `toml:"metrics"`
	Log       LogSection       `toml:"log"`
}

type ServerSection struct {
	SocketURL string `toml:"socket_url"`
	APIURL    string `toml:"api_url"`
}

type ReconnectSection struct {
	InitialDelayMS int `toml:"initial_delay_ms"`
	MaxDelayMS     int `toml:"max_delay_ms"`
	MaxAttempts    int `toml:"max_attempts"`
}

type ChatSection struct {
	TypingExpiryMS         int `toml:"typing_expiry_ms"`
	ReconcileWindowSeconds int `toml:"reconcile_window_seconds"`
}

type StateSection struct {
	Path string `toml:"path"`
}

type MetricsSection struct {
	ListenAddr string `toml:"listen_addr"`
}

type LogSection struct {
	Level string `toml:"level"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			SocketURL: "ws://localhost:3001/socket",
			APIURL:    "http://localhost:3001/api",
		},
		Reconnect: ReconnectSection{
			InitialDelayMS: 1000,
			MaxDelayMS:     5000,
			MaxAttempts:    5,
		},
		Chat: ChatSection{
			TypingExpiryMS:         3000,
			ReconcileWindowSeconds: 60,
		},
		State: StateSection{
			Path: "~/.storychat/state.db",
		},
		Log: LogSection{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one if
// not found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home still gets a working client with defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern STORYCHAT_SECTION_KEY, for example
// STORYCHAT_SERVER_SOCKET_URL=wss://chat.example.com/socket
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("STORYCHAT_SERVER_SOCKET_URL", &config.Server.SocketURL)
	envString("STORYCHAT_SERVER_API_URL", &config.Server.APIURL)

	envInt("STORYCHAT_RECONNECT_INITIAL_DELAY_MS", &config.Reconnect.InitialDelayMS)
	envInt("STORYCHAT_RECONNECT_MAX_DELAY_MS", &config.Reconnect.MaxDelayMS)
	envInt("STORYCHAT_RECONNECT_MAX_ATTEMPTS", &config.Reconnect.MaxAttempts)

	envInt("STORYCHAT_CHAT_TYPING_EXPIRY_MS", &config.Chat.TypingExpiryMS)
	envInt("STORYCHAT_CHAT_RECONCILE_WINDOW_SECONDS", &config.Chat.ReconcileWindowSeconds)

	envString("STORYCHAT_STATE_PATH", &config.State.Path)
	envString("STORYCHAT_METRICS_LISTEN_ADDR", &config.Metrics.ListenAddr)
	envString("STORYCHAT_LOG_LEVEL", &config.Log.Level)

	return config
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// ReconnectOptions converts the [reconnect] section, falling back to the
// defaults for unset values
func (c *TOMLConfig) ReconnectOptions() client.ReconnectOptions {
	opts := client.DefaultReconnectOptions()
	if c.Reconnect.InitialDelayMS > 0 {
		opts.InitialDelay = time.Duration(c.Reconnect.InitialDelayMS) * time.Millisecond
	}
	if c.Reconnect.MaxDelayMS > 0 {
		opts.MaxDelay = time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond
	}
	if c.Reconnect.MaxAttempts > 0 {
		opts.MaxAttempts = c.Reconnect.MaxAttempts
	}
	return opts
}

// TypingExpiry returns the counterparty typing indicator lifetime
func (c *TOMLConfig) TypingExpiry() time.Duration {
	return time.Duration(c.Chat.TypingExpiryMS) * time.Millisecond
}

// ReconcileWindow returns how far apart a pending message and its server copy may be
func (c *TOMLConfig) ReconcileWindow() time.Duration {
	return time.Duration(c.Chat.ReconcileWindowSeconds) * time.Second
}

// GetStatePath returns the state database path with ~ expanded
func (c *TOMLConfig) GetStatePath() (string, error) {
	return ExpandPath(c.State.Path)
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# storychat client configuration
# This file was auto-generated with default values
#
# Environment variables can override these settings:
# STORYCHAT_SECTION_KEY (e.g., STORYCHAT_SERVER_SOCKET_URL=wss://chat.example.com/socket)

[server]
# Real-time websocket endpoint. Left empty, the endpoint that last accepted
# a connection from this device is used.
socket_url = "ws://localhost:3001/socket"

# REST API base URL
api_url = "http://localhost:3001/api"

[reconnect]
# Delay before reconnect attempt n is initial_delay_ms * n, capped at max_delay_ms
initial_delay_ms = 1000
max_delay_ms = 5000

# Attempts before the connection is marked failed
max_attempts = 5

[chat]
# How long a counterparty typing indicator stays on without a new signal
typing_expiry_ms = 3000

# Maximum distance between a pending message and its server copy
reconcile_window_seconds = 60

[state]
# Local database for guest reading progress and connection history
path = "~/.storychat/state.db"

[metrics]
# Address for the prometheus /metrics endpoint of "storychat watch"
# Uncomment to enable:
# listen_addr = "127.0.0.1:9464"

[log]
# debug, info, warn or error
level = "info"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
