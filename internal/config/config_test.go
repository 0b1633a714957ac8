package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultHandshakeTimeoutMs, cfg.Auth.HandshakeTimeoutMs)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Listen = "0.0.0.0:9000"
	cfg.Auth.Token = "secret"
	cfg.Auth.HandshakeTimeoutMs = 2500
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", loaded.Listen)
	assert.Equal(t, "secret", loaded.Auth.Token)
	assert.Equal(t, 2500, loaded.Auth.HandshakeTimeoutMs)
	assert.True(t, loaded.AuthEnabled())
}

func TestLoadAppliesDefaultsForPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen":"127.0.0.1:1234"}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1234", cfg.Listen)
	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultHandshakeTimeoutMs, cfg.Auth.HandshakeTimeoutMs)
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{nope`), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"missing listen", func(c *Config) { c.Listen = "" }, true},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "cert.pem" }, true},
		{"legacy token without token", func(c *Config) { c.Auth.AllowLegacyToken = true }, true},
		{"legacy token with token", func(c *Config) {
			c.Auth.Token = "x"
			c.Auth.AllowLegacyToken = true
		}, false},
		{"default workspace missing", func(c *Config) { c.DefaultWorkspace = "/definitely/not/here" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDefaultWorkspaceDir(t *testing.T) {
	cfg := Default()
	cfg.DefaultWorkspace = t.TempDir()
	assert.NoError(t, cfg.Validate())
}
