package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig tests that defaults form a valid runnable config
func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 90*time.Second, cfg.Timers.Workers.Std())
	assert.Equal(t, 15*time.Second, cfg.Timers.Tasks.Std())
	assert.Equal(t, 24*time.Hour, cfg.Timers.Daily.Std())
	assert.Equal(t, 20*time.Hour, cfg.Timers.Retention.Std())
	assert.Equal(t, 15*time.Minute, cfg.Heartbeats.Node.Std())
	assert.Equal(t, 30*time.Minute, cfg.Heartbeats.Task.Std())
	assert.Equal(t, 24*time.Hour, cfg.Auth.QueueTokenTTL.Std())
}

// TestLoadOverridesDefaults tests YAML layering over defaults
func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hutch.yaml")
	content := `
instance_name: prod-fuzz
data_dir: /var/lib/hutch
server:
  api_addr: 0.0.0.0:9000
  base_url: https://fuzz.example.com
timers:
  workers: 2m
auth:
  admin_tokens: ["admin-1"]
  user_tokens: ["user-1", "user-2"]
log:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod-fuzz", cfg.InstanceName)
	assert.Equal(t, "/var/lib/hutch", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.APIAddr)
	assert.Equal(t, 2*time.Minute, cfg.Timers.Workers.Std())
	// untouched sections keep defaults
	assert.Equal(t, 15*time.Second, cfg.Timers.Tasks.Std())
	assert.Equal(t, []string{"admin-1"}, cfg.Auth.AdminTokens)
	assert.True(t, cfg.Log.JSON)
}

// TestLoadMissingPathReturnsDefaults tests the no-file path
func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestLoadRejectsBadDuration tests duration parse errors surface
func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hutch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timers:\n  workers: ninety\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

// TestValidate tests config rejection rules
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "missing api addr",
			mutate:  func(c *Config) { c.Server.APIAddr = "" },
			wantErr: "api_addr",
		},
		{
			name: "cert without key",
			mutate: func(c *Config) {
				c.Server.TLS = true
				c.Server.CertFile = "cert.pem"
			},
			wantErr: "must be set together",
		},
		{
			name:    "zero timer interval",
			mutate:  func(c *Config) { c.Timers.Tasks = 0 },
			wantErr: "timers.tasks",
		},
		{
			name:    "zero visibility timeout",
			mutate:  func(c *Config) { c.Queue.VisibilityTimeout = 0 },
			wantErr: "visibility_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestAdvertisedURL tests base URL fallback behavior
func TestAdvertisedURL(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://127.0.0.1:8080", cfg.AdvertisedURL())

	cfg.Server.TLS = true
	assert.Equal(t, "https://127.0.0.1:8080", cfg.AdvertisedURL())

	cfg.Server.BaseURL = "https://fuzz.example.com"
	assert.Equal(t, "https://fuzz.example.com", cfg.AdvertisedURL())
}
