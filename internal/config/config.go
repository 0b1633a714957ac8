// Package config loads and validates the ECP server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultListen is the default listen address for the server.
	DefaultListen = "127.0.0.1:8941"
	// DefaultHandshakeTimeoutMs is how long a connection may stay
	// unauthenticated before it is torn down.
	DefaultHandshakeTimeoutMs = 10000
	// DefaultMaxConnections bounds concurrent client connections.
	DefaultMaxConnections = 32
)

// AuthConfig configures the shared-secret handshake.
type AuthConfig struct {
	// Token is the shared secret clients must present in auth/handshake.
	// Empty disables authentication entirely.
	Token string `json:"token,omitempty"`
	// HandshakeTimeoutMs is the pre-authentication deadline in milliseconds.
	HandshakeTimeoutMs int `json:"handshake_timeout_ms,omitempty"`
	// AllowLegacyToken permits passing the token as a query parameter on
	// the upgrade request instead of performing the handshake.
	AllowLegacyToken bool `json:"allow_legacy_token,omitempty"`
}

// TLSConfig configures transport security for the listen socket.
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// BridgeConfig configures the external AI-provider subprocess.
type BridgeConfig struct {
	// Command is the argv of the subprocess speaking JSON-RPC on stdio.
	// Empty disables the bridge service.
	Command []string `json:"command,omitempty"`
	// Env holds extra environment variables for the subprocess.
	Env map[string]string `json:"env,omitempty"`
}

// Config represents the server configuration.
type Config struct {
	Listen           string       `json:"listen"`
	MaxConnections   int          `json:"max_connections"`
	DataDir          string       `json:"data_dir"`
	LogLevel         string       `json:"log_level"`
	LogPath          string       `json:"log_path,omitempty"`
	DefaultWorkspace string       `json:"default_workspace,omitempty"`
	Auth             AuthConfig   `json:"auth"`
	TLS              TLSConfig    `json:"tls"`
	Bridge           BridgeConfig `json:"bridge"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	dataDir := ""
	if cache, err := os.UserCacheDir(); err == nil {
		dataDir = filepath.Join(cache, "ecpd")
	}

	return &Config{
		Listen:         DefaultListen,
		MaxConnections: DefaultMaxConnections,
		DataDir:        dataDir,
		LogLevel:       "info",
		Auth: AuthConfig{
			HandshakeTimeoutMs: DefaultHandshakeTimeoutMs,
		},
	}
}

// Load reads the configuration from a JSON file, applying defaults for
// unset values. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.Auth.HandshakeTimeoutMs <= 0 {
		c.Auth.HandshakeTimeoutMs = DefaultHandshakeTimeoutMs
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		if cache, err := os.UserCacheDir(); err == nil {
			c.DataDir = filepath.Join(cache, "ecpd")
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if c.Auth.AllowLegacyToken && c.Auth.Token == "" {
		return fmt.Errorf("allow_legacy_token requires a token")
	}
	if c.DefaultWorkspace != "" {
		if info, err := os.Stat(c.DefaultWorkspace); err != nil || !info.IsDir() {
			return fmt.Errorf("default_workspace is not a directory: %s", c.DefaultWorkspace)
		}
	}
	return nil
}

// AuthEnabled reports whether the handshake protocol is required.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Token != ""
}

// TLSEnabled reports whether the listen socket uses TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}
